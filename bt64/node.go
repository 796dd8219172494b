package bt64

import "encoding/binary"

// Inner node page layout (1024-byte page):
//
//	offset 0:   next    uint32   sibling page index, nilPage if rightmost
//	offset 4:   flags   uint8
//	offset 5:   pad     [3]byte
//	offset 8:   nbkeys  uint32
//	offset 12:  ptrs    [arity+1]uint32
//	offset 12+4*(arity+1): keys [arity]uint64
const (
	nodeHeaderSize = 12
	arity          = (pageSize - 16) / 12 // 84 for 1 KiB pages
	ptrsOffset     = nodeHeaderSize
	keysOffset     = ptrsOffset + 4*(arity+1)
)

type nodePage struct{ buf []byte }

func asNode(buf []byte) nodePage { return nodePage{buf} }

func (n nodePage) next() uint32      { return binary.LittleEndian.Uint32(n.buf[0:4]) }
func (n nodePage) setNext(v uint32)  { binary.LittleEndian.PutUint32(n.buf[0:4], v) }
func (n nodePage) nbkeys() uint32    { return binary.LittleEndian.Uint32(n.buf[8:12]) }
func (n nodePage) setNbkeys(v uint32) {
	binary.LittleEndian.PutUint32(n.buf[8:12], v)
}

func (n nodePage) ptr(i uint32) ptr {
	off := ptrsOffset + 4*i
	return ptr(binary.LittleEndian.Uint32(n.buf[off : off+4]))
}

func (n nodePage) setPtr(i uint32, p ptr) {
	off := ptrsOffset + 4*i
	binary.LittleEndian.PutUint32(n.buf[off:off+4], uint32(p))
}

func (n nodePage) key(i uint32) uint64 {
	off := keysOffset + 8*i
	return binary.LittleEndian.Uint64(n.buf[off : off+8])
}

func (n nodePage) setKey(i uint32, k uint64) {
	off := keysOffset + 8*i
	binary.LittleEndian.PutUint64(n.buf[off:off+8], k)
}

func (n nodePage) reset() {
	for i := range n.buf {
		n.buf[i] = 0
	}
}

// findChild performs a binary search for the first position i such
// that keys[i] >= key, so among equal keys the smallest index wins.
// Returns nbkeys if key exceeds every key on the page; callers then
// follow the trailing pointer ptrs[nbkeys].
func (n nodePage) findChild(key uint64) uint32 {
	nb := n.nbkeys()
	lo, hi := uint32(0), nb
	for lo < hi {
		mid := lo + (hi-lo)/2
		if n.key(mid) >= key {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}
