package ndx

import "github.com/dbisx/isx/isxerr"

// findLeaf descends from the root to the leaf that would contain key.
func (e *Engine) findLeaf(key []byte) (uint32, error) {
	idx := e.h.root
	for {
		buf, err := e.readPage(idx)
		if err != nil {
			return 0, err
		}
		d, err := decodePage(buf)
		if err != nil {
			return 0, err
		}
		if d.isLeaf() {
			return idx, nil
		}
		child, ok := findChildNDX(d, key)
		if !ok {
			return 0, isxerr.Wrapf(isxerr.KindStructural, nil, "ndx: no child pointer for key on page %d", idx)
		}
		idx = child
	}
}

// Fetch returns the data of every record stored under key, in push
// order. A key with no records returns (nil, nil).
func (e *Engine) Fetch(key []byte) ([][]byte, error) {
	idx, err := e.findLeaf(key)
	if err != nil {
		return nil, err
	}

	var out [][]byte
	for idx != nilPage {
		buf, err := e.readPage(idx)
		if err != nil {
			return out, err
		}
		d, err := decodePage(buf)
		if err != nil {
			return out, err
		}

		matched := false
		stop := false
		for _, r := range d.records {
			c := compareBytes(r.key, key)
			if c < 0 {
				continue
			}
			if c > 0 {
				stop = true
				break
			}
			matched = true
			out = append(out, append([]byte(nil), r.data...))
		}
		if stop || !matched || len(d.records) == 0 {
			break
		}
		if d.next == nilPage {
			break
		}
		nbuf, err := e.readPage(d.next)
		if err != nil {
			return out, err
		}
		nd, err := decodePage(nbuf)
		if err != nil {
			return out, err
		}
		if len(nd.records) == 0 || compareBytes(nd.records[0].key, key) != 0 {
			break
		}
		idx = d.next
	}
	return out, nil
}

// RangeEntry is one record returned by FetchRange.
type RangeEntry struct {
	Key  []byte
	Data []byte
}

// FetchRange collects (key, data) for every record with kmin <= key,
// and key <= kmax when hasMax is true, in ascending order.
func (e *Engine) FetchRange(kmin []byte, kmax []byte, hasMax bool, out *[]RangeEntry) error {
	idx, err := e.findLeaf(kmin)
	if err != nil {
		return err
	}
	for idx != nilPage {
		buf, err := e.readPage(idx)
		if err != nil {
			return err
		}
		d, err := decodePage(buf)
		if err != nil {
			return err
		}
		for _, r := range d.records {
			if compareBytes(r.key, kmin) < 0 {
				continue
			}
			if hasMax && compareBytes(r.key, kmax) > 0 {
				return nil
			}
			*out = append(*out, RangeEntry{
				Key:  append([]byte(nil), r.key...),
				Data: append([]byte(nil), r.data...),
			})
		}
		idx = d.next
	}
	return nil
}

// Iterator walks every record across every leaf in ascending key
// order, including duplicates, in push order.
type Iterator struct {
	e       *Engine
	leafIdx uint32
	off     int
	done    bool
}

// IterBegin returns an Iterator positioned at the first record.
func (e *Engine) IterBegin() (*Iterator, error) {
	idx := e.h.root
	for {
		buf, err := e.readPage(idx)
		if err != nil {
			return nil, err
		}
		d, err := decodePage(buf)
		if err != nil {
			return nil, err
		}
		if d.isLeaf() {
			return &Iterator{e: e, leafIdx: idx, off: 0}, nil
		}
		if len(d.records) > 0 {
			idx = getChildPtr(d.records[0].data)
		} else if d.hasRightmost {
			idx = d.rightmostChild
		} else {
			return nil, nil
		}
	}
}

// Next advances the iterator and returns the next (key, data) pair.
func (it *Iterator) Next() (key, data []byte, ok bool, err error) {
	if it.done || it.e == nil {
		return nil, nil, false, nil
	}
	for {
		buf, ferr := it.e.readPage(it.leafIdx)
		if ferr != nil {
			return nil, nil, false, ferr
		}
		d, derr := decodePage(buf)
		if derr != nil {
			return nil, nil, false, derr
		}
		if it.off >= len(d.records) {
			if d.next == nilPage {
				it.done = true
				return nil, nil, false, nil
			}
			it.leafIdx = d.next
			it.off = 0
			continue
		}
		r := d.records[it.off]
		it.off++
		return r.key, r.data, true, nil
	}
}
