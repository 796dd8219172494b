package bt64

import (
	"encoding/binary"

	"github.com/dbisx/isx/isxerr"
)

const (
	magic = "ISBT"

	pageSize  = 1024
	majorVers = 1

	// growthUnitPages is the number of pages appended to the file each
	// time the freelist is exhausted: 1 MiB at the default 1 KiB page
	// size, per the file-format section of the design notes.
	growthUnitPages = 1024

	headerSize = 32 // magic(4) major(1) minor(1) reserved(2) root(4) nbpages(4) freelist(4) depth(2) pid(2) time(8)
)

// header mirrors the BT64 header page: magic, version, root pointer,
// page count, freelist head, tree depth, and the writer-lock fields.
type header struct {
	minor        uint8
	root         ptr
	nbpages      uint32
	freelistHead uint32
	depth        int16
	wrlockPid    int16
	wrlockTime   uint64
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize || string(buf[0:4]) != magic {
		return header{}, isxerr.Wrapf(isxerr.KindCorruptHeader, nil, "bad BT64 magic %q", buf[0:4])
	}
	major := buf[4]
	minor := buf[5]
	if major != majorVers || (minor != 0 && minor != 1) {
		return header{}, isxerr.Wrapf(isxerr.KindCorruptHeader, nil, "unsupported BT64 version %d.%d", major, minor)
	}
	h := header{
		minor:        minor,
		root:         ptr(binary.LittleEndian.Uint32(buf[8:12])),
		nbpages:      binary.LittleEndian.Uint32(buf[12:16]),
		freelistHead: binary.LittleEndian.Uint32(buf[16:20]),
		depth:        int16(binary.LittleEndian.Uint16(buf[20:22])),
		wrlockPid:    int16(binary.LittleEndian.Uint16(buf[22:24])),
		wrlockTime:   binary.LittleEndian.Uint64(buf[24:32]),
	}
	return h, nil
}

func encodeHeader(buf []byte, h header) {
	copy(buf[0:4], magic)
	buf[4] = majorVers
	buf[5] = h.minor
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.root))
	binary.LittleEndian.PutUint32(buf[12:16], h.nbpages)
	binary.LittleEndian.PutUint32(buf[16:20], h.freelistHead)
	binary.LittleEndian.PutUint16(buf[20:22], uint16(h.depth))
	binary.LittleEndian.PutUint16(buf[22:24], uint16(h.wrlockPid))
	binary.LittleEndian.PutUint64(buf[24:32], h.wrlockTime)
}
