package bt64

import (
	"fmt"
	"io"
)

// Dump writes a human-readable walk of the index to w: a header
// summary, then every page level-by-level following each level's next
// chain, leaves showing each key and an escaped preview of its data.
// Dump only reads pages; it never allocates or mutates.
func (e *Engine) Dump(w io.Writer) error {
	h, err := e.readHeader()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "bt64: version %d.%d pages=%d depth=%d root=%s freelist_head=%d\n",
		majorVers, h.minor, h.nbpages, h.depth, describePtr(h.root), h.freelistHead)

	level := h.root
	levelNo := 0
	for level.isNode() {
		fmt.Fprintf(w, "level %d (inner):\n", levelNo)
		idx := level.pageIndex()
		var firstChild ptr
		for idx != nilPage {
			buf, err := e.readPage(idx)
			if err != nil {
				return err
			}
			n := asNode(buf)
			if idx == level.pageIndex() {
				firstChild = n.ptr(0)
			}
			fmt.Fprintf(w, "  page %d: nbkeys=%d keys=[", idx, n.nbkeys())
			for i := uint32(0); i < n.nbkeys(); i++ {
				if i > 0 {
					fmt.Fprint(w, " ")
				}
				fmt.Fprintf(w, "%d", n.key(i))
			}
			fmt.Fprintf(w, "] ptrs=[")
			for i := uint32(0); i <= n.nbkeys(); i++ {
				if i > 0 {
					fmt.Fprint(w, " ")
				}
				fmt.Fprint(w, describePtr(n.ptr(i)))
			}
			fmt.Fprintln(w, "]")
			idx = n.next()
		}
		level = firstChild
		levelNo++
	}

	fmt.Fprintln(w, "level leaves:")
	idx := level.pageIndex()
	for idx != nilPage {
		buf, err := e.readPage(idx)
		if err != nil {
			return err
		}
		l := asLeaf(buf)
		fmt.Fprintf(w, "  page %d: used=%d\n", idx, l.used())
		l.scan(func(r record) bool {
			fmt.Fprintf(w, "    %d: %s\n", r.key, previewData(r.data))
			return true
		})
		idx = l.next()
	}
	return nil
}

func describePtr(p ptr) string {
	if p.isNode() {
		return fmt.Sprintf("node:%d", p.pageIndex())
	}
	return fmt.Sprintf("leaf:%d", p.pageIndex())
}

// previewData renders short byte blobs the way the dump tool expects
// them to be read: an all-printable-ASCII blob as a quoted string,
// otherwise hex-escaped, with a 1/2/4/8-byte blob also shown as a
// little-endian signed integer.
func previewData(b []byte) string {
	printable := true
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			printable = false
			break
		}
	}
	switch {
	case printable:
		return fmt.Sprintf("%q", string(b))
	case len(b) == 1 || len(b) == 2 || len(b) == 4 || len(b) == 8:
		return fmt.Sprintf("%s (int=%d)", hexEscape(b), leSigned(b))
	default:
		return hexEscape(b)
	}
}

func hexEscape(b []byte) string {
	out := make([]byte, 0, 2+3*len(b))
	out = append(out, '0', 'x')
	const hexd = "0123456789abcdef"
	for _, c := range b {
		out = append(out, hexd[c>>4], hexd[c&0xf])
	}
	return string(out)
}

func leSigned(b []byte) int64 {
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	shift := uint(64 - 8*len(b))
	return int64(u<<shift) >> shift
}
