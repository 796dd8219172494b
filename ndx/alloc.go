package ndx

// allocPage pops a page from the freelist, or, if the freelist is
// empty, grows the file by one growth unit (32 × 4096 bytes, i.e.
// growthUnitBytes divided by the configured page size, at least one
// page) and links the new pages in. The
// returned page is zeroed; callers must re-derive any page slice held
// from before this call, since growth can remap the file.
func (e *Engine) allocPage() (uint32, error) {
	if e.h.freelistHead != 0 {
		idx := e.h.freelistHead
		buf := e.file.Page(idx)
		next := le32(buf[4:8])
		for i := range buf {
			buf[i] = 0
		}
		e.h.freelistHead = next
		if err := e.writeHeader(); err != nil {
			return 0, err
		}
		return idx, nil
	}

	growthPages := growthUnitBytes / e.h.pageSize()
	if growthPages < 1 {
		growthPages = 1
	}
	first, err := e.file.Grow(uint32(growthPages))
	if err != nil {
		return 0, err
	}
	n := e.file.NumPages() - first
	e.log.Debugw("ndx: growing file", "first_page", first, "pages_added", n)

	for i := uint32(0); i < n; i++ {
		idx := first + i
		buf := e.file.Page(idx)
		for j := range buf {
			buf[j] = 0
		}
		if i == 0 {
			continue
		}
		if i == n-1 {
			putLE32(buf[4:8], 0)
		} else {
			putLE32(buf[4:8], idx+1)
		}
	}

	e.h.nbpages += n
	if n > 1 {
		e.h.freelistHead = first + 1
	}
	if err := e.writeHeader(); err != nil {
		return 0, err
	}
	return first, nil
}
