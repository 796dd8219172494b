package ndx

import "github.com/dbisx/isx/isxerr"

// Page header (8 bytes): level(1), tail(1), pagelen(2), next(4).
// level==0 is a leaf; a nonzero level is an inner page that many
// levels above the leaves. tail is 3 for an ordinary page (sentinel
// has datalen=0) or 6 for the rightmost page of a level (sentinel's
// datalen=3, carrying the trailing child pointer). next chains pages
// within one level in ascending key order, nilPage-terminated.
const (
	pageHeaderSize = 8

	nilPage uint32 = 0xFFFFFFFF
)

// kv is one decoded, fully-reconstructed record: a leaf (key, value)
// pair or an inner (key, child page) pair (ptr encoded as a 3-byte
// value in data).
type kv struct {
	key  []byte
	data []byte
}

type decodedPage struct {
	level          uint8
	next           uint32
	records        []kv
	rightmostChild uint32 // valid only if hasRightmost
	hasRightmost   bool
}

func (d decodedPage) isLeaf() bool { return d.level == 0 }

func putChildPtr(b []byte, idx uint32) {
	b[0] = byte(idx)
	b[1] = byte(idx >> 8)
	b[2] = byte(idx >> 16)
}

func getChildPtr(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// decodePage reconstructs every record's full key by chaining each
// record's (common, suffix) against the previous full key, per the
// front-coding rule: key[i] = key[i-1][:common] ++ suffix.
func decodePage(buf []byte) (decodedPage, error) {
	level := buf[0]
	tail := buf[1]
	pagelen := int(le16(buf[2:4]))
	next := le32(buf[4:8])

	if tail != 3 && tail != 6 {
		return decodedPage{}, isxerr.Wrapf(isxerr.KindStructural, nil, "ndx: bad tail %d", tail)
	}
	if pagelen < pageHeaderSize || pagelen > len(buf) {
		return decodedPage{}, isxerr.Wrapf(isxerr.KindStructural, nil, "ndx: pagelen %d out of range", pagelen)
	}

	d := decodedPage{level: level, next: next}
	var prevKey []byte
	off := pageHeaderSize
	for off < pagelen {
		common := int(buf[off])
		suffix := int(buf[off+1])
		datalen := int(buf[off+2])
		if common > len(prevKey) {
			return decodedPage{}, isxerr.Wrapf(isxerr.KindStructural, nil, "ndx: common %d exceeds predecessor key length %d", common, len(prevKey))
		}
		suffixBytes := buf[off+3 : off+3+suffix]
		dataBytes := buf[off+3+suffix : off+3+suffix+datalen]
		off += 3 + suffix + datalen

		if suffix == 0 && common == 0 && off == pagelen {
			// sentinel record
			if tail == 6 {
				if datalen != 3 {
					return decodedPage{}, isxerr.Wrapf(isxerr.KindStructural, nil, "ndx: rightmost sentinel datalen %d, want 3", datalen)
				}
				d.rightmostChild = getChildPtr(dataBytes)
				d.hasRightmost = true
			} else if datalen != 0 {
				return decodedPage{}, isxerr.Wrapf(isxerr.KindStructural, nil, "ndx: non-rightmost sentinel datalen %d, want 0", datalen)
			}
			break
		}

		key := make([]byte, common+suffix)
		copy(key, prevKey[:common])
		copy(key[common:], suffixBytes)

		data := append([]byte(nil), dataBytes...)
		d.records = append(d.records, kv{key: key, data: data})
		prevKey = key
	}
	return d, nil
}

// encodePage writes level/records/rightmost child back into buf using
// front compression, returning an error if the result would not fit.
func encodePage(buf []byte, level uint8, next uint32, records []kv, rightmostChild *uint32) error {
	off := pageHeaderSize
	var prevKey []byte
	for _, r := range records {
		common := commonPrefixLen(prevKey, r.key)
		suffix := r.key[common:]
		need := 3 + len(suffix) + len(r.data)
		if off+need > len(buf) {
			return isxerr.Wrapf(isxerr.KindOversized, nil, "ndx: page overflow while encoding")
		}
		buf[off] = byte(common)
		buf[off+1] = byte(len(suffix))
		buf[off+2] = byte(len(r.data))
		copy(buf[off+3:], suffix)
		copy(buf[off+3+len(suffix):], r.data)
		off += need
		prevKey = r.key
	}

	tail := 3
	sentinelData := 0
	if rightmostChild != nil {
		tail = 6
		sentinelData = 3
	}
	if off+3+sentinelData > len(buf) {
		return isxerr.Wrapf(isxerr.KindOversized, nil, "ndx: page overflow while encoding sentinel")
	}
	buf[off] = 0
	buf[off+1] = 0
	buf[off+2] = byte(sentinelData)
	if rightmostChild != nil {
		putChildPtr(buf[off+3:], *rightmostChild)
	}
	off += 3 + sentinelData

	buf[0] = level
	buf[1] = byte(tail)
	putLE16(buf[2:4], uint16(off))
	putLE32(buf[4:8], next)
	for i := off; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// encodedSize reports how many bytes records (plus a sentinel of the
// given shape) would occupy, without writing anything.
func encodedSize(records []kv, hasRightmost bool) int {
	off := pageHeaderSize
	var prevKey []byte
	for _, r := range records {
		common := commonPrefixLen(prevKey, r.key)
		off += 3 + (len(r.key) - common) + len(r.data)
		prevKey = r.key
	}
	if hasRightmost {
		return off + 6
	}
	return off + 3
}
