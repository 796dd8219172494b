package bt64

import "github.com/dbisx/isx/isxerr"

// Push appends data under key. Multiple pushes under the same key are
// concatenated, in push order, on Fetch. A zero-length data is a
// no-op. Values longer than MaxDLen are chunked automatically: the
// tail chunk is pushed first, so that repeatedly inserting each
// earlier chunk ahead of the growing run reconstructs the original
// byte order.
func (e *Engine) Push(key uint64, data []byte) error {
	if err := e.requireWritable(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if len(data) <= MaxDLen {
		return e.pushChunk(key, data)
	}
	for end := len(data); end > 0; {
		start := end - MaxDLen
		if start < 0 {
			start = 0
		}
		if err := e.pushChunk(key, data[start:end]); err != nil {
			return err
		}
		end = start
	}
	return nil
}

// pushChunk inserts a single record (len(data) <= MaxDLen) under key.
func (e *Engine) pushChunk(key uint64, data []byte) error {
	h, err := e.readHeader()
	if err != nil {
		return err
	}
	var ancestors []uint32
	p := h.root
	for p.isNode() {
		ancestors = append(ancestors, p.pageIndex())
		n := asNode(e.file.Page(p.pageIndex()))
		p = n.ptr(n.findChild(key))
	}
	leafIdx := p.pageIndex()

	split, err := e.insertLeaf(leafIdx, key, data, ancestors)
	if err != nil {
		return err
	}
	if split == nil {
		return nil
	}
	return e.propagate(ancestors, len(ancestors)-1, leafIdx, split.leftMax, makePtr(false, split.rightIdx), split.rightMax, false)
}

type leafSplit struct {
	rightIdx uint32
	leftMax  uint64
	rightMax uint64
}

// insertLeaf inserts (key, data) into leaf leafIdx, splitting it if
// necessary. It returns nil if the insert fit without a split.
// ancestors is the page-index path from the root down to leafIdx's
// parent, used only if a sibling donation needs to patch a separator.
func (e *Engine) insertLeaf(leafIdx uint32, key uint64, data []byte, ancestors []uint32) (*leafSplit, error) {
	l := asLeaf(e.file.Page(leafIdx))
	off, exact := leafInsertionSlot(l, key)
	need := uint32(recFixedSize + len(data))

	if exact {
		r := l.recordAt(off)
		if len(r.data)+len(data) <= MaxDLen && l.used()+uint32(len(data)) <= leafDataCap {
			l.appendInPlace(off, data)
			return nil, nil
		}
	}

	if l.used()+need <= leafDataCap {
		l.insertAt(off, key, data)
		return nil, nil
	}

	return e.splitLeafAndInsert(leafIdx, key, data, ancestors)
}

// leafInsertionSlot returns the byte offset of the first record with
// key >= target (the position a new record for target is inserted
// before), and whether that record's key exactly equals target.
func leafInsertionSlot(l leafPage, target uint64) (off uint32, exact bool) {
	at := l.used()
	l.scan(func(r record) bool {
		if r.key >= target {
			at = r.off
			exact = r.key == target
			return false
		}
		return true
	})
	return at, exact
}

type leafItem struct {
	key  uint64
	data []byte
}

// splitLeafAndInsert handles a leaf overflow: first it tries donating
// the leaf's highest-key record to the right sibling to free room;
// failing that, it redistributes every record plus the pending one
// across the original page and one newly allocated sibling.
func (e *Engine) splitLeafAndInsert(leafIdx uint32, key uint64, data []byte, ancestors []uint32) (*leafSplit, error) {
	if ok, err := e.tryDonateToSibling(leafIdx, key, data, ancestors); err != nil {
		return nil, err
	} else if ok {
		return nil, nil
	}

	l := asLeaf(e.file.Page(leafIdx))
	var items []leafItem
	l.scan(func(r record) bool {
		items = append(items, leafItem{r.key, append([]byte(nil), r.data...)})
		return true
	})
	merged := make([]leafItem, 0, len(items)+1)
	inserted := false
	for _, it := range items {
		if !inserted && it.key >= key {
			merged = append(merged, leafItem{key, data})
			inserted = true
		}
		merged = append(merged, it)
	}
	if !inserted {
		merged = append(merged, leafItem{key, data})
	}

	fits2 := func(n int) bool {
		var a, b uint32
		for i, it := range merged {
			sz := uint32(recFixedSize + len(it.data))
			if i < n {
				a += sz
			} else {
				b += sz
			}
		}
		return a <= leafDataCap && b <= leafDataCap
	}

	mid := -1
	best := len(merged) / 2
	for d := 0; d <= len(merged); d++ {
		for _, cand := range []int{best - d, best + d} {
			if cand > 0 && cand < len(merged) && fits2(cand) {
				mid = cand
				break
			}
		}
		if mid >= 0 {
			break
		}
	}
	if mid < 0 {
		return nil, isxerr.Wrapf(isxerr.KindStructural, nil, "bt64: no valid leaf split point for %d records", len(merged))
	}

	rightIdx, err := e.allocPage()
	if err != nil {
		return nil, err
	}
	oldNext := asLeaf(e.file.Page(leafIdx)).next()
	writeLeafRun(e.file.Page(leafIdx), merged[:mid], rightIdx)
	writeLeafRun(e.file.Page(rightIdx), merged[mid:], oldNext)
	e.log.Debugw("bt64: split leaf", "left", leafIdx, "right", rightIdx, "left_records", mid, "right_records", len(merged)-mid)

	return &leafSplit{
		rightIdx: rightIdx,
		leftMax:  merged[mid-1].key,
		rightMax: merged[len(merged)-1].key,
	}, nil
}

func writeLeafRun(buf []byte, items []leafItem, next uint32) {
	l := asLeaf(buf)
	l.reset()
	l.setNext(next)
	off := uint32(0)
	for _, it := range items {
		off += uint32(writeRecord(buf[leafHeaderSize+off:], it.key, it.data))
	}
	l.setUsed(off)
}

// tryDonateToSibling moves the current leaf's highest-key record to
// the right sibling's front when that frees enough room for the
// pending insert and the pending key still belongs ahead of that
// record (so donating doesn't just relocate the problem). Only
// donates to a sibling that shares leafIdx's immediate parent: that
// lets the parent's separator be patched in place, which isn't
// possible when the sibling belongs to a different, already-written
// ancestor subtree (leafIdx is the rightmost child of its parent).
func (e *Engine) tryDonateToSibling(leafIdx uint32, key uint64, data []byte, ancestors []uint32) (bool, error) {
	l := asLeaf(e.file.Page(leafIdx))
	next := l.next()
	if next == nilPage || l.used() == 0 || len(ancestors) == 0 {
		return false, nil
	}

	var last record
	l.scan(func(r record) bool { last = r; return true })
	if key >= last.key {
		return false, nil
	}

	parentIdx := ancestors[len(ancestors)-1]
	pn := asNode(e.file.Page(parentIdx))
	slot, found := findPtrSlot(pn, leafIdx)
	if !found || slot >= pn.nbkeys() {
		return false, nil
	}

	donated := uint32(recFixedSize + len(last.data))
	need := uint32(recFixedSize + len(data))
	if l.used()-donated+need > leafDataCap {
		return false, nil
	}
	sibling := asLeaf(e.file.Page(next))
	if sibling.used()+donated > leafDataCap {
		return false, nil
	}

	lastKey, lastData := last.key, append([]byte(nil), last.data...)
	l.setUsed(l.used() - donated)

	sb := e.file.Page(next)
	sl := asLeaf(sb)
	used := sl.used()
	copy(sb[leafHeaderSize+donated:leafHeaderSize+donated+used], sb[leafHeaderSize:leafHeaderSize+used])
	writeRecord(sb[leafHeaderSize:], lastKey, lastData)
	sl.setUsed(used + donated)

	l2 := asLeaf(e.file.Page(leafIdx))
	off, _ := leafInsertionSlot(l2, key)
	l2.insertAt(off, key, data)

	var newMax uint64
	l2.scan(func(r record) bool { newMax = r.key; return true })
	asNode(e.file.Page(parentIdx)).setKey(slot, newMax)

	e.log.Debugw("bt64: donated record to right sibling", "left", leafIdx, "right", next, "key", lastKey)
	return true, nil
}

// findPtrSlot returns the index i such that n.ptr(i) is the leaf
// pointer for leafIdx, and whether one was found.
func findPtrSlot(n nodePage, leafIdx uint32) (uint32, bool) {
	nb := n.nbkeys()
	for i := uint32(0); i <= nb; i++ {
		p := n.ptr(i)
		if !p.isNode() && p.pageIndex() == leafIdx {
			return i, true
		}
	}
	return 0, false
}

// propagate installs a new (leftMax, rightPtr, rightMax) separator
// pair into the parent at ancestors[level] (or, if level is -1,
// creates a new root above the current root), splitting that node
// (and recursing further up) if it overflows.
func (e *Engine) propagate(ancestors []uint32, level int, leftIdx uint32, leftMax uint64, rightPtr ptr, rightMax uint64, leftIsNode bool) error {
	if level < 0 {
		return e.newRoot(leftIdx, leftIsNode, leftMax, rightPtr)
	}

	nodeIdx := ancestors[level]
	buf := e.file.Page(nodeIdx)
	n := asNode(buf)
	nOld := n.nbkeys()
	oldNext := n.next()

	keys := make([]uint64, nOld)
	ptrs := make([]ptr, nOld+1)
	for i := uint32(0); i < nOld; i++ {
		keys[i] = n.key(i)
	}
	for i := uint32(0); i <= nOld; i++ {
		ptrs[i] = n.ptr(i)
	}

	s := uint32(0)
	for ; s <= nOld; s++ {
		if ptrs[s].pageIndex() == leftIdx {
			break
		}
	}

	newPtrs := make([]ptr, 0, nOld+2)
	newPtrs = append(newPtrs, ptrs[:s+1]...)
	newPtrs = append(newPtrs, rightPtr)
	newPtrs = append(newPtrs, ptrs[s+1:]...)

	var newKeys []uint64
	if s < nOld {
		keys[s] = leftMax
		newKeys = make([]uint64, 0, nOld+1)
		newKeys = append(newKeys, keys[:s+1]...)
		newKeys = append(newKeys, rightMax)
		newKeys = append(newKeys, keys[s+1:]...)
	} else {
		newKeys = append(append([]uint64{}, keys...), leftMax)
	}

	if uint32(len(newKeys)) <= arity {
		writeNode(buf, newKeys, newPtrs, oldNext)
		return nil
	}
	return e.splitNodeAndInsert(ancestors, level, nodeIdx, newKeys, newPtrs, oldNext)
}

func writeNode(buf []byte, keys []uint64, ptrs []ptr, next uint32) {
	n := asNode(buf)
	n.reset()
	n.setNext(next)
	n.setNbkeys(uint32(len(keys)))
	for i, k := range keys {
		n.setKey(uint32(i), k)
	}
	for i, p := range ptrs {
		n.setPtr(uint32(i), p)
	}
}

// splitNodeAndInsert splits an overflowing inner node. The middle key
// is promoted to the parent as the new separator and is not
// duplicated into either child, matching the convention that an inner
// node's trailing (unpaired) pointer covers "greater than every key
// on this page".
func (e *Engine) splitNodeAndInsert(ancestors []uint32, level int, nodeIdx uint32, keys []uint64, ptrs []ptr, oldNext uint32) error {
	mid := len(keys) / 2
	rightIdx, err := e.allocPage()
	if err != nil {
		return err
	}

	leftKeys, rightKeys := keys[:mid], keys[mid+1:]
	leftPtrs, rightPtrs := ptrs[:mid+1], ptrs[mid+1:]
	leftMaxKey := keys[mid]
	rightMaxKey := keys[len(keys)-1]

	writeNode(e.file.Page(nodeIdx), leftKeys, leftPtrs, rightIdx)
	writeNode(e.file.Page(rightIdx), rightKeys, rightPtrs, oldNext)
	e.log.Debugw("bt64: split inner node", "left", nodeIdx, "right", rightIdx)

	return e.propagate(ancestors, level-1, nodeIdx, leftMaxKey, makePtr(true, rightIdx), rightMaxKey, true)
}

func (e *Engine) newRoot(leftIdx uint32, leftIsNode bool, leftMax uint64, rightPtr ptr) error {
	rootIdx, err := e.allocPage()
	if err != nil {
		return err
	}
	writeNode(e.file.Page(rootIdx), []uint64{leftMax}, []ptr{makePtr(leftIsNode, leftIdx), rightPtr}, nilPage)

	h, err := e.readHeader()
	if err != nil {
		return err
	}
	h.root = makePtr(true, rootIdx)
	h.depth++
	return e.writeHeader(h)
}
