package ndx

import (
	"fmt"
	"io"
)

// Enumerate visits every (key, data) pair across the whole index, in
// ascending key order (duplicates in push order), calling fn for each.
// fn returns false to stop the walk early; Enumerate never mutates the
// index and is safe to call on a Read or ReadPread engine.
func (e *Engine) Enumerate(fn func(key, data []byte) bool) error {
	it, err := e.IterBegin()
	if err != nil {
		return err
	}
	if it == nil {
		return nil
	}
	for {
		key, data, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !fn(key, data) {
			return nil
		}
	}
}

// Dump writes a human-readable walk of the index to w: a header
// summary, then every page level-by-level following each level's next
// chain, showing reconstructed keys (inner: child pointer, leaf: an
// escaped data preview). Dump only reads pages; it never allocates.
func (e *Engine) Dump(w io.Writer) error {
	fmt.Fprintf(w, "ndx: version %d.%d pagesize=%d pages=%d rootlevel=%d root=%d keys=%d freelist_head=%d\n",
		majorVers, minorVers, e.h.pageSize(), e.h.nbpages, e.h.rootlevel, e.h.root, e.h.nbkeys, e.h.freelistHead)

	level := e.h.root
	levelNo := int(e.h.rootlevel)
	for {
		buf, err := e.readPage(level)
		if err != nil {
			return err
		}
		d, err := decodePage(buf)
		if err != nil {
			return err
		}
		isLeaf := d.isLeaf()
		label := "inner"
		if isLeaf {
			label = "leaf"
		}
		fmt.Fprintf(w, "level %d (%s):\n", levelNo, label)

		idx := level
		var firstChild uint32
		haveFirstChild := false
		for idx != nilPage {
			pbuf, err := e.readPage(idx)
			if err != nil {
				return err
			}
			pd, err := decodePage(pbuf)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  page %d: %d records next=%s\n", idx, len(pd.records), describeNext(pd.next))
			for _, r := range pd.records {
				if isLeaf {
					fmt.Fprintf(w, "    %q: %s\n", r.key, previewData(r.data))
				} else {
					fmt.Fprintf(w, "    %q -> page %d\n", r.key, getChildPtr(r.data))
					if !haveFirstChild {
						firstChild = getChildPtr(r.data)
						haveFirstChild = true
					}
				}
			}
			if pd.hasRightmost {
				fmt.Fprintf(w, "    <rightmost> -> page %d\n", pd.rightmostChild)
				if !isLeaf && !haveFirstChild {
					firstChild = pd.rightmostChild
					haveFirstChild = true
				}
			}
			idx = pd.next
		}

		if isLeaf {
			break
		}
		if !haveFirstChild {
			break
		}
		level = firstChild
		levelNo--
	}
	return nil
}

func describeNext(next uint32) string {
	if next == nilPage {
		return "nil"
	}
	return fmt.Sprintf("%d", next)
}

// previewData renders a value preview the way the dump tool expects:
// printable ASCII verbatim, anything else hex-escaped.
func previewData(b []byte) string {
	printable := true
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			printable = false
			break
		}
	}
	if printable {
		return fmt.Sprintf("%q", string(b))
	}
	out := make([]byte, 0, 2+3*len(b))
	out = append(out, '0', 'x')
	const hexd = "0123456789abcdef"
	for _, c := range b {
		out = append(out, hexd[c>>4], hexd[c&0xf])
	}
	return string(out)
}
