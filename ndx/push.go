package ndx

import "github.com/dbisx/isx/isxerr"

// maxDepth bounds the descent loop in Push. NDX trees are shallow by construction (front-compressed keys
// pack densely); depth beyond this indicates structural corruption
// rather than a legitimately large index.
const maxDepth = 16

// Push inserts (key, data) under key. Existing records with the same
// key are left untouched; the new record is placed after all of them,
// preserving push order among duplicates.
func (e *Engine) Push(key, data []byte) error {
	if err := e.requireWritable(); err != nil {
		return err
	}
	if err := e.validateKeyData(key, data); err != nil {
		return err
	}

	var ancestors []uint32
	idx := e.h.root
	for depth := 0; ; depth++ {
		if depth > maxDepth {
			return isxerr.Wrapf(isxerr.KindStructural, nil, "ndx: descent exceeded max depth %d", maxDepth)
		}
		buf, err := e.readPage(idx)
		if err != nil {
			return err
		}
		d, err := decodePage(buf)
		if err != nil {
			return err
		}
		if d.isLeaf() {
			break
		}
		ancestors = append(ancestors, idx)
		child, ok := findChildNDX(d, key)
		if !ok {
			return isxerr.Wrapf(isxerr.KindStructural, nil, "ndx: no child pointer for key on page %d", idx)
		}
		idx = child
	}

	split, err := e.insertLeaf(idx, key, data)
	if err != nil {
		return err
	}
	e.h.nbkeys++
	if split == nil {
		return e.writeHeader()
	}
	if err := e.propagate(ancestors, len(ancestors)-1, idx, split); err != nil {
		return err
	}
	return e.writeHeader()
}

// findChildNDX returns the child page index the probe key descends
// into: the first record whose key is >= probe, or the rightmost
// child pointer if the probe exceeds every record on this page.
func findChildNDX(d decodedPage, probe []byte) (uint32, bool) {
	for _, r := range d.records {
		if compareBytes(r.key, probe) >= 0 {
			return getChildPtr(r.data), true
		}
	}
	if d.hasRightmost {
		return d.rightmostChild, true
	}
	return 0, false
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// pageSplit describes a page that split during an insert: the newly
// allocated right sibling, and the (key, child) separator pair the
// parent must learn about for both halves.
type pageSplit struct {
	rightIdx   uint32
	leftMax    []byte
	rightMax   []byte
	level      uint8
}

// insertLeaf inserts (key, data) into leaf idx, splitting it if the
// page overflows.
func (e *Engine) insertLeaf(idx uint32, key, data []byte) (*pageSplit, error) {
	buf, err := e.readPage(idx)
	if err != nil {
		return nil, err
	}
	d, err := decodePage(buf)
	if err != nil {
		return nil, err
	}

	merged := insertAfterDuplicates(d.records, key, data)
	if encodedSize(merged, false) <= len(buf) {
		if err := encodePage(buf, 0, d.next, merged, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return e.splitLeaf(idx, d, merged, key)
}

// insertAfterDuplicates returns a new slice with (key, data) inserted
// immediately after the last existing record whose key equals key (or
// in sorted position if key has no existing match).
func insertAfterDuplicates(records []kv, key, data []byte) []kv {
	pos := len(records)
	for i, r := range records {
		if compareBytes(r.key, key) > 0 {
			pos = i
			break
		}
	}
	// pos currently points just before the first strictly-greater key;
	// advance past any records equal to key so the new one lands after
	// every existing duplicate.
	for pos < len(records) && compareBytes(records[pos].key, key) == 0 {
		pos++
	}
	out := make([]kv, 0, len(records)+1)
	out = append(out, records[:pos]...)
	out = append(out, kv{key: append([]byte(nil), key...), data: append([]byte(nil), data...)})
	out = append(out, records[pos:]...)
	return out
}

// splitLeaf redistributes merged (which already contains the pending
// insert) across idx and a newly allocated right sibling.
func (e *Engine) splitLeaf(idx uint32, d decodedPage, merged []kv, insertedKey []byte) (*pageSplit, error) {
	pageSize := e.h.pageSize()
	splitAt := chooseSplit(merged, pageSize, false)

	// Keep ascending-insert workloads densely packed: a push that
	// extends the rightmost leaf past its current maximum splits so
	// the new page starts (almost) empty, rather than donating half
	// of the old page's content to it.
	if d.next == nilPage && len(d.records) > 0 && compareBytes(insertedKey, d.records[len(d.records)-1].key) > 0 {
		if tail := len(merged) - 1; tail > 0 && encodedSize(merged[:tail], false) <= pageSize {
			splitAt = tail
		}
	}
	if splitAt <= 0 || splitAt >= len(merged) {
		return nil, isxerr.Wrapf(isxerr.KindStructural, nil, "ndx: no valid leaf split point for %d records", len(merged))
	}

	rightIdx, err := e.allocPage()
	if err != nil {
		return nil, err
	}
	oldNext := d.next

	leftBuf, err := e.readPageFresh(idx)
	if err != nil {
		return nil, err
	}
	if err := encodePage(leftBuf, 0, rightIdx, merged[:splitAt], nil); err != nil {
		return nil, err
	}
	rightBuf, err := e.readPageFresh(rightIdx)
	if err != nil {
		return nil, err
	}
	if err := encodePage(rightBuf, 0, oldNext, merged[splitAt:], nil); err != nil {
		return nil, err
	}

	e.log.Debugw("ndx: split leaf", "left", idx, "right", rightIdx, "left_records", splitAt, "right_records", len(merged)-splitAt)

	return &pageSplit{
		rightIdx: rightIdx,
		leftMax:  merged[splitAt-1].key,
		rightMax: merged[len(merged)-1].key,
		level:    0,
	}, nil
}

// chooseSplit finds a near-middle, non-empty split point where both
// halves fit in pageSize bytes. The left half never carries a
// rightmost-child sentinel (it always gains a next pointer to the
// right half instead); the right half inherits rightmost from the
// page being split.
func chooseSplit(merged []kv, pageSize int, rightHasRightmost bool) int {
	best := len(merged) / 2
	for d := 0; d <= len(merged); d++ {
		for _, cand := range []int{best - d, best + d} {
			if cand <= 0 || cand >= len(merged) {
				continue
			}
			if encodedSize(merged[:cand], false) <= pageSize && encodedSize(merged[cand:], rightHasRightmost) <= pageSize {
				return cand
			}
		}
	}
	return -1
}

func (e *Engine) readPageFresh(idx uint32) ([]byte, error) { return e.readPage(idx) }

// propagate installs split into the parent at ancestors[level], or
// promotes a new root if level is -1, splitting the parent in turn
// (and recursing) if it overflows.
func (e *Engine) propagate(ancestors []uint32, level int, leftIdx uint32, split *pageSplit) error {
	if level < 0 {
		return e.newRoot(leftIdx, split)
	}

	idx := ancestors[level]
	buf, err := e.readPageFresh(idx)
	if err != nil {
		return err
	}
	d, err := decodePage(buf)
	if err != nil {
		return err
	}

	s := -1
	for i, r := range d.records {
		if getChildPtr(r.data) == leftIdx {
			s = i
			break
		}
	}

	var newRecords []kv
	var newRightmost *uint32
	if s >= 0 {
		newRecords = make([]kv, 0, len(d.records)+1)
		newRecords = append(newRecords, d.records[:s]...)
		newRecords = append(newRecords, kv{key: split.leftMax, data: encodeChildPtr(leftIdx)})
		newRecords = append(newRecords, kv{key: split.rightMax, data: encodeChildPtr(split.rightIdx)})
		newRecords = append(newRecords, d.records[s+1:]...)
		if d.hasRightmost {
			rc := d.rightmostChild
			newRightmost = &rc
		}
	} else if d.hasRightmost && d.rightmostChild == leftIdx {
		newRecords = make([]kv, 0, len(d.records)+1)
		newRecords = append(newRecords, d.records...)
		newRecords = append(newRecords, kv{key: split.leftMax, data: encodeChildPtr(leftIdx)})
		rc := split.rightIdx
		newRightmost = &rc
	} else {
		return isxerr.Wrapf(isxerr.KindStructural, nil, "ndx: parent %d has no entry for child %d", idx, leftIdx)
	}

	if encodedSize(newRecords, newRightmost != nil) <= len(buf) {
		if err := encodePage(buf, d.level, d.next, newRecords, newRightmost); err != nil {
			return err
		}
		return nil
	}
	return e.splitInner(ancestors, level, idx, d, newRecords, newRightmost)
}

func encodeChildPtr(idx uint32) []byte {
	b := make([]byte, 3)
	putChildPtr(b, idx)
	return b
}

func (e *Engine) splitInner(ancestors []uint32, level int, idx uint32, d decodedPage, records []kv, rightmost *uint32) error {
	pageSize := e.h.pageSize()
	splitAt := chooseSplit(records, pageSize, rightmost != nil)
	if splitAt <= 0 {
		return isxerr.Wrapf(isxerr.KindStructural, nil, "ndx: no valid inner split point for %d records", len(records))
	}

	rightIdx, err := e.allocPage()
	if err != nil {
		return err
	}
	oldNext := d.next

	// The promoted separator is the last key of the left half; it is
	// not duplicated into either child.
	leftMax := records[splitAt-1].key
	rightRecords := records[splitAt:]

	leftBuf, err := e.readPageFresh(idx)
	if err != nil {
		return err
	}
	if err := encodePage(leftBuf, d.level, rightIdx, records[:splitAt], nil); err != nil {
		return err
	}
	rightBuf, err := e.readPageFresh(rightIdx)
	if err != nil {
		return err
	}
	if err := encodePage(rightBuf, d.level, oldNext, rightRecords, rightmost); err != nil {
		return err
	}

	e.log.Debugw("ndx: split inner node", "left", idx, "right", rightIdx, "level", d.level)

	rightMax := rightRecords[len(rightRecords)-1].key
	return e.propagate(ancestors, level-1, idx, &pageSplit{rightIdx: rightIdx, leftMax: leftMax, rightMax: rightMax, level: d.level})
}

func (e *Engine) newRoot(leftIdx uint32, split *pageSplit) error {
	rootIdx, err := e.allocPage()
	if err != nil {
		return err
	}
	buf := e.file.Page(rootIdx)
	rc := split.rightIdx
	if err := encodePage(buf, split.level+1, nilPage, []kv{{key: split.leftMax, data: encodeChildPtr(leftIdx)}}, &rc); err != nil {
		return err
	}
	e.h.root = rootIdx
	e.h.rootlevel = split.level + 1
	return nil
}
