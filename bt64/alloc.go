package bt64

import "github.com/dbisx/isx/isxerr"

// allocPage pops a page from the freelist, or, if the freelist is
// empty, grows the file by growthUnitPages and links the new pages in,
// per the page-allocator design: "on exhaustion, extends the file by a
// fixed growth unit and re-links the new pages into the freelist."
//
// The returned page is zeroed except next=nilPage; used (leaves) and
// nbkeys (nodes) are left at 0 by the zeroing. Any page slice the
// caller holds from before this call must be re-derived; allocation
// can remap the file.
func (e *Engine) allocPage() (uint32, error) {
	h, err := e.readHeader()
	if err != nil {
		return 0, err
	}

	if h.freelistHead != 0 {
		idx := h.freelistHead
		buf := e.file.Page(idx)
		next := asLeaf(buf).next() // next field lives at the same offset for leaf & node
		for i := range buf {
			buf[i] = 0
		}
		asLeaf(buf).setNext(nilPage)
		h.freelistHead = next
		if err := e.writeHeader(h); err != nil {
			return 0, err
		}
		return idx, nil
	}

	first, err := e.file.Grow(growthUnitPages)
	if err != nil {
		return 0, err
	}
	n := e.file.NumPages() - first
	e.log.Debugw("bt64: growing file", "first_page", first, "pages_added", n)

	// Link pages [first+1, first+n) into the freelist; hand page
	// `first` back to the caller immediately.
	for i := uint32(0); i < n; i++ {
		idx := first + i
		buf := e.file.Page(idx)
		for j := range buf {
			buf[j] = 0
		}
		if i == 0 {
			asLeaf(buf).setNext(nilPage)
			continue
		}
		// Chain free pages oldest-appended-first; terminator is 0.
		if i == n-1 {
			asLeaf(buf).setNext(0)
		} else {
			asLeaf(buf).setNext(idx + 1)
		}
	}

	h, err = e.readHeader()
	if err != nil {
		return 0, err
	}
	h.nbpages += n
	if n > 1 {
		h.freelistHead = first + 1
	}
	if err := e.writeHeader(h); err != nil {
		return 0, err
	}
	return first, nil
}

func (e *Engine) readHeader() (header, error) {
	buf, err := e.readPage(0)
	if err != nil {
		return header{}, err
	}
	return decodeHeader(buf)
}

func (e *Engine) writeHeader(h header) error {
	encodeHeader(e.file.Page(0), h)
	return nil
}

func notWritable() error {
	return isxerr.Wrapf(isxerr.KindInvalidArgument, nil, "engine was opened read-only")
}
