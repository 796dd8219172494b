// Package ndx implements a persistent, memory-mapped, prefix-compressed
// B+-tree keyed by variable-length byte strings (1-255 bytes), with
// 0-255 byte values. Keys are front-coded: each record stores only the
// suffix bytes beyond the prefix it shares with its predecessor on the
// same page. Duplicate keys are supported and preserved in push order.
//
// Like bt64, the engine is single-writer/multi-reader and does not
// support delete.
package ndx

import (
	"encoding/binary"

	"github.com/dbisx/isx/isxerr"
)

const (
	magic = "ISGX"

	majorVers = 1
	minorVers = 0

	// legacyMinor is the pre-1.0 on-disk minor version ("0.2" in the
	// design notes' dotted notation). Files stamped with it are
	// rejected rather than silently upgraded; see the design
	// decisions recorded alongside this package.
	legacyMajor = 0
	legacyMinor = 2

	// MaxKeyLen is the hard ceiling on reconstructed key length.
	MaxKeyLen = 255
	// MaxDataLen is the hard ceiling on a record's value length.
	MaxDataLen = 255

	minPageShift = 8  // 256 bytes
	maxPageShift = 16 // 65536 bytes

	// growthUnitBytes is the file growth unit from the file-format
	// section: 32 pages of 4096 bytes, regardless of the configured
	// page size.
	growthUnitBytes = 32 * 4096

	headerSize = 64
)

// Params configures a new NDX index at Create time.
type Params struct {
	PageShift  uint8 // page size is 1 << PageShift, 256..65536
	MinKeyLen  uint8
	MaxKeyLen  uint8
	MinDataLen uint8
	MaxDataLen uint8
	// UserMajor/UserMinor are opaque caller-defined schema version
	// numbers, stored in the header and otherwise unused by the engine.
	UserMajor uint16
	UserMinor uint16
}

func (p Params) validate() error {
	if p.PageShift < minPageShift || p.PageShift > maxPageShift {
		return isxerr.Wrapf(isxerr.KindInvalidArgument, nil, "ndx: pageshift %d out of range [%d,%d]", p.PageShift, minPageShift, maxPageShift)
	}
	if p.MinKeyLen == 0 || p.MinKeyLen > p.MaxKeyLen || p.MaxKeyLen > MaxKeyLen {
		return isxerr.Wrapf(isxerr.KindInvalidArgument, nil, "ndx: bad key length bounds [%d,%d]", p.MinKeyLen, p.MaxKeyLen)
	}
	if p.MinDataLen > p.MaxDataLen || int(p.MaxDataLen) > MaxDataLen {
		return isxerr.Wrapf(isxerr.KindInvalidArgument, nil, "ndx: bad data length bounds [%d,%d]", p.MinDataLen, p.MaxDataLen)
	}
	// A leaf holding a single worst-case record (no shared prefix with
	// any predecessor, since it may be the only or first record on the
	// page) plus the page header and a tail=6 sentinel must still fit;
	// otherwise a push that needs a fresh page could never succeed, no
	// matter how the splitter redistributes.
	worst := pageHeaderSize + 3 + int(p.MaxKeyLen) + int(p.MaxDataLen) + 6
	if pageSize := 1 << p.PageShift; worst > pageSize {
		return isxerr.Wrapf(isxerr.KindInvalidArgument, nil,
			"ndx: page size %d too small for max key/data lengths %d/%d (needs >= %d)", pageSize, p.MaxKeyLen, p.MaxDataLen, worst)
	}
	return nil
}

// header mirrors the NDX header page.
type header struct {
	pageshift    uint8
	root         uint32
	rootlevel    uint8
	nbpages      uint32
	nbkeys       uint64
	freelistHead uint32
	minKeyLen    uint8
	maxKeyLen    uint8
	minDataLen   uint8
	maxDataLen   uint8
	userMajor    uint16
	userMinor    uint16
	wrlockPid    int16
	wrlockTime   uint64
}

func (h header) pageSize() int { return 1 << h.pageshift }

// Layout (64 bytes):
//
//	0:  magic[4]
//	4:  major(1) minor(1) pageshift(1) reserved(1)
//	8:  root(4) rootlevel(1) reserved(3)
//	16: nbpages(4) reserved(4)
//	24: nbkeys(8)
//	32: freelistHead(4) reserved(4)
//	40: minkeylen(1) maxkeylen(1) mindatalen(1) maxdatalen(1)
//	44: usermajor(2) userminor(2)
//	48: wrlockPid(2) reserved(6)
//	56: wrlockTime(8)
func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize || string(buf[0:4]) != magic {
		return header{}, isxerr.Wrapf(isxerr.KindCorruptHeader, nil, "bad NDX magic %q", buf[0:4])
	}
	major, minor := buf[4], buf[5]
	if major == legacyMajor && minor == legacyMinor {
		return header{}, isxerr.Wrapf(isxerr.KindCorruptHeader, nil,
			"NDX legacy version 0.2 is not supported; migrate the file with an explicit conversion tool")
	}
	if major != majorVers || minor != minorVers {
		return header{}, isxerr.Wrapf(isxerr.KindCorruptHeader, nil, "unsupported NDX version %d.%d", major, minor)
	}
	h := header{
		pageshift:    buf[6],
		root:         binary.LittleEndian.Uint32(buf[8:12]),
		rootlevel:    buf[12],
		nbpages:      binary.LittleEndian.Uint32(buf[16:20]),
		nbkeys:       binary.LittleEndian.Uint64(buf[24:32]),
		freelistHead: binary.LittleEndian.Uint32(buf[32:36]),
		minKeyLen:    buf[40],
		maxKeyLen:    buf[41],
		minDataLen:   buf[42],
		maxDataLen:   buf[43],
		userMajor:    binary.LittleEndian.Uint16(buf[44:46]),
		userMinor:    binary.LittleEndian.Uint16(buf[46:48]),
		wrlockPid:    int16(binary.LittleEndian.Uint16(buf[48:50])),
		wrlockTime:   binary.LittleEndian.Uint64(buf[56:64]),
	}
	if h.pageshift < minPageShift || h.pageshift > maxPageShift {
		return header{}, isxerr.Wrapf(isxerr.KindCorruptHeader, nil, "NDX header pageshift %d out of range", h.pageshift)
	}
	return h, nil
}

func encodeHeader(buf []byte, h header) {
	for i := range buf[:headerSize] {
		buf[i] = 0
	}
	copy(buf[0:4], magic)
	buf[4] = majorVers
	buf[5] = minorVers
	buf[6] = h.pageshift
	binary.LittleEndian.PutUint32(buf[8:12], h.root)
	buf[12] = h.rootlevel
	binary.LittleEndian.PutUint32(buf[16:20], h.nbpages)
	binary.LittleEndian.PutUint64(buf[24:32], h.nbkeys)
	binary.LittleEndian.PutUint32(buf[32:36], h.freelistHead)
	buf[40] = h.minKeyLen
	buf[41] = h.maxKeyLen
	buf[42] = h.minDataLen
	buf[43] = h.maxDataLen
	binary.LittleEndian.PutUint16(buf[44:46], h.userMajor)
	binary.LittleEndian.PutUint16(buf[46:48], h.userMinor)
	binary.LittleEndian.PutUint16(buf[48:50], uint16(h.wrlockPid))
	binary.LittleEndian.PutUint64(buf[56:64], h.wrlockTime)
}
