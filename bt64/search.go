package bt64

// findLeaf descends from the root to the leaf that would contain key:
// at each inner level it takes the first position i with
// keys[i] >= key (nbkeys if there is none) and follows ptrs[i].
func (e *Engine) findLeaf(key uint64) (uint32, error) {
	h, err := e.readHeader()
	if err != nil {
		return 0, err
	}
	p := h.root
	for p.isNode() {
		buf, err := e.readPage(p.pageIndex())
		if err != nil {
			return 0, err
		}
		n := asNode(buf)
		idx := n.findChild(key)
		p = n.ptr(idx)
	}
	return p.pageIndex(), nil
}

func (e *Engine) readPage(idx uint32) ([]byte, error) {
	if e.file.Mapped() {
		return e.file.Page(idx), nil
	}
	buf := make([]byte, pageSize)
	if err := e.file.ReadPage(idx, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Fetch appends the concatenation of every value pushed under key, in
// push order, to out, crossing into the next leaf while its first
// record's key still equals key. It returns the number of bytes
// appended. A key with no records returns (0, nil).
func (e *Engine) Fetch(key uint64, out *[]byte) (int, error) {
	leafIdx, err := e.findLeaf(key)
	if err != nil {
		return 0, err
	}
	n := 0
	for leafIdx != nilPage {
		buf, err := e.readPage(leafIdx)
		if err != nil {
			return n, err
		}
		l := asLeaf(buf)
		matched, stop := false, false
		l.scan(func(r record) bool {
			switch {
			case r.key < key:
				return true
			case r.key > key:
				stop = true
				return false
			default:
				matched = true
				*out = append(*out, r.data...)
				n += len(r.data)
				return true
			}
		})
		if stop || !matched {
			break
		}
		// The whole leaf agreed with key up to its last record; a
		// duplicate run may continue into the next leaf.
		next := l.next()
		if next == nilPage {
			break
		}
		nbuf, err := e.readPage(next)
		if err != nil {
			return n, err
		}
		nl := asLeaf(nbuf)
		if nl.used() == 0 {
			break
		}
		if nl.recordAt(0).key != key {
			break
		}
		leafIdx = next
	}
	return n, nil
}

// RangeEntry is one record returned by FetchRange.
type RangeEntry struct {
	Key  uint64
	Data []byte
}

// FetchRange collects (key, data) for every record with kmin <= key <=
// kmax, in ascending order, appending to out. kmax may be
// math.MaxUint64; the scan predicate avoids overflow in that case.
func (e *Engine) FetchRange(kmin, kmax uint64, out *[]RangeEntry) error {
	leafIdx, err := e.findLeaf(kmin)
	if err != nil {
		return err
	}
	for leafIdx != nilPage {
		buf, err := e.readPage(leafIdx)
		if err != nil {
			return err
		}
		l := asLeaf(buf)
		stop := false
		l.scan(func(r record) bool {
			if r.key < kmin {
				return true
			}
			// A plain > comparison never overflows even when kmax is
			// math.MaxUint64, unlike an arithmetic kmax+1 bound would.
			if r.key > kmax {
				stop = true
				return false
			}
			data := append([]byte(nil), r.data...)
			*out = append(*out, RangeEntry{Key: r.key, Data: data})
			return true
		})
		if stop {
			return nil
		}
		leafIdx = l.next()
	}
	return nil
}

// Iterator walks every distinct key in ascending order, yielding the
// concatenation of all same-key data across adjacent leaves (mirroring
// Fetch's duplicate-spanning behaviour).
type Iterator struct {
	e        *Engine
	leafIdx  uint32
	off      uint32
	done     bool
}

// IterBegin returns an Iterator positioned before the first key.
func (e *Engine) IterBegin() (*Iterator, error) {
	h, err := e.readHeader()
	if err != nil {
		return nil, err
	}
	p := h.root
	for p.isNode() {
		buf, err := e.readPage(p.pageIndex())
		if err != nil {
			return nil, err
		}
		p = asNode(buf).ptr(0)
	}
	return &Iterator{e: e, leafIdx: p.pageIndex(), off: 0}, nil
}

// Next advances the iterator and returns the next (key, data) pair. A
// single load of l.next() here; it is never re-read for the same page.
func (it *Iterator) Next() (key uint64, data []byte, ok bool, err error) {
	if it.done {
		return 0, nil, false, nil
	}
	for {
		buf, ferr := it.e.readPage(it.leafIdx)
		if ferr != nil {
			return 0, nil, false, ferr
		}
		l := asLeaf(buf)
		if it.off >= l.used() {
			next := l.next()
			if next == nilPage {
				it.done = true
				return 0, nil, false, nil
			}
			it.leafIdx = next
			it.off = 0
			continue
		}
		r := l.recordAt(it.off)
		key = r.key
		data = append(data, r.data...)
		it.off += recFixedSize + uint32(len(r.data))

		// absorb any further same-key records, including across a
		// leaf boundary.
		for {
			if it.off >= l.used() {
				next := l.next()
				if next == nilPage {
					it.done = true
					return key, data, true, nil
				}
				nbuf, nerr := it.e.readPage(next)
				if nerr != nil {
					return key, data, true, nerr
				}
				nl := asLeaf(nbuf)
				if nl.used() == 0 {
					it.done = true
					return key, data, true, nil
				}
				first := nl.recordAt(0)
				if first.key != key {
					it.leafIdx = next
					it.off = 0
					return key, data, true, nil
				}
				it.leafIdx = next
				it.off = 0
				l = nl
				continue
			}
			r = l.recordAt(it.off)
			if r.key != key {
				return key, data, true, nil
			}
			data = append(data, r.data...)
			it.off += recFixedSize + uint32(len(r.data))
		}
	}
}
