package ndx

import "github.com/dbisx/isx/isxerr"

// CheckReport summarizes the result of Check.
type CheckReport struct {
	Pages     uint32
	Leaves    uint32
	Nodes     uint32
	Keys      uint64
	MaxDepth  int
	FreePages uint32
	Problems  []string
}

// OK reports whether the index passed every structural check.
func (r *CheckReport) OK() bool { return len(r.Problems) == 0 }

// Check walks the whole tree from the root, verifying:
//   - every page's records are front-coded consistently and sorted
//   - every page's key range stays within the bound implied by its
//     parent separator, and (except for the rightmost page per level)
//     its last key equals that separator exactly
//   - each level's next chain is acyclic and terminates at nilPage
//   - the freelist is well-formed and disjoint from the live tree
//   - every page in the file is accounted for exactly once
func (e *Engine) Check() (*CheckReport, error) {
	r := &CheckReport{}
	seen := make(map[uint32]string, e.h.nbpages)
	// The walk reaches each level's pages left to right, so a page's
	// next must be the page walked after it on the same level.
	type levelTail struct{ idx, next uint32 }
	tails := make(map[uint8]levelTail)

	var walk func(idx uint32, depth int, lo []byte, hi []byte, hasHi bool) (maxKey []byte, hasKey bool, err error)
	walk = func(idx uint32, depth int, lo []byte, hi []byte, hasHi bool) ([]byte, bool, error) {
		if idx == 0 || idx >= e.h.nbpages {
			r.Problems = append(r.Problems, errf("page %d out of range", idx))
			return nil, false, nil
		}
		if kind, dup := seen[idx]; dup {
			r.Problems = append(r.Problems, errf("page %d visited twice (as %s, now again)", idx, kind))
			return nil, false, nil
		}

		buf, err := e.readPage(idx)
		if err != nil {
			return nil, false, err
		}
		d, err := decodePage(buf)
		if err != nil {
			r.Problems = append(r.Problems, errf("page %d: %v", idx, err))
			seen[idx] = "corrupt"
			return nil, false, nil
		}
		if d.isLeaf() {
			seen[idx] = "leaf"
			r.Leaves++
		} else {
			seen[idx] = "node"
			r.Nodes++
		}
		if t, ok := tails[d.level]; ok && t.next != idx {
			r.Problems = append(r.Problems, errf("page %d: next is %d, but the following page on level %d is %d", t.idx, t.next, d.level, idx))
		}
		tails[d.level] = levelTail{idx: idx, next: d.next}
		if depth+1 > r.MaxDepth {
			r.MaxDepth = depth + 1
		}

		var prev []byte
		first := true
		for i, rec := range d.records {
			if !first && compareBytes(rec.key, prev) < 0 {
				r.Problems = append(r.Problems, errf("page %d: keys out of order at record %d", idx, i))
			}
			if lo != nil && compareBytes(rec.key, lo) < 0 {
				r.Problems = append(r.Problems, errf("page %d: key below parent lower bound", idx))
			}
			if hasHi && compareBytes(rec.key, hi) > 0 {
				r.Problems = append(r.Problems, errf("page %d: key above parent separator", idx))
			}
			prev = rec.key
			first = false
		}

		if !hasHi && d.hasRightmost {
			// fine: this is the rightmost page of its level
		} else if hasHi && len(d.records) > 0 {
			last := d.records[len(d.records)-1].key
			if compareBytes(last, hi) != 0 {
				r.Problems = append(r.Problems, errf("page %d: last key does not equal parent separator", idx))
			}
		}

		if d.isLeaf() {
			r.Keys += uint64(len(d.records))
			if len(d.records) == 0 {
				return nil, false, nil
			}
			return d.records[len(d.records)-1].key, true, nil
		}

		var runningMax []byte
		hasAny := false
		childLo := lo
		for i, rec := range d.records {
			childHi := rec.key
			mk, has, err := walk(getChildPtr(rec.data), depth+1, childLo, childHi, true)
			if err != nil {
				return nil, false, err
			}
			if has {
				hasAny = true
				runningMax = mk
			}
			childLo = rec.key
			_ = i
		}
		if d.hasRightmost {
			mk, has, err := walk(d.rightmostChild, depth+1, childLo, hi, hasHi)
			if err != nil {
				return nil, false, err
			}
			if has {
				hasAny = true
				runningMax = mk
			}
		}
		return runningMax, hasAny, nil
	}

	if _, _, err := walk(e.h.root, 1, nil, nil, false); err != nil {
		return nil, err
	}
	for lvl, t := range tails {
		if t.next != nilPage {
			r.Problems = append(r.Problems, errf("level %d: rightmost page %d has next %d instead of nilPage", lvl, t.idx, t.next))
		}
	}

	cur := e.h.freelistHead
	visited := make(map[uint32]bool)
	for cur != 0 {
		if cur >= e.h.nbpages {
			r.Problems = append(r.Problems, errf("freelist: page %d out of range", cur))
			break
		}
		if visited[cur] {
			r.Problems = append(r.Problems, errf("freelist: cycle at page %d", cur))
			break
		}
		if kind, used := seen[cur]; used {
			r.Problems = append(r.Problems, errf("freelist: page %d already in use as %s", cur, kind))
			break
		}
		visited[cur] = true
		buf, err := e.readPage(cur)
		if err != nil {
			return nil, err
		}
		next := le32(buf[4:8])
		r.FreePages++
		seen[cur] = "free"
		cur = next
	}

	r.Pages = e.h.nbpages
	for idx := uint32(1); idx < e.h.nbpages; idx++ {
		if _, ok := seen[idx]; !ok {
			r.Problems = append(r.Problems, errf("page %d unreachable from both the tree and the freelist", idx))
		}
	}
	if uint64(r.Keys) != e.h.nbkeys {
		r.Problems = append(r.Problems, errf("header nbkeys=%d does not match %d keys found by walk", e.h.nbkeys, r.Keys))
	}

	return r, nil
}

// Fix patches the header's page count and freelist head when they
// provably disagree with the file's actual length; the only mutation
// the checker is allowed to make. Fix requires a writable Engine.
func (e *Engine) Fix() (bool, error) {
	if err := e.requireWritable(); err != nil {
		return false, err
	}
	actual := e.file.NumPages()
	changed := false
	if e.h.nbpages != actual {
		e.log.Warnw("ndx: header nbpages disagrees with file length", "header", e.h.nbpages, "actual", actual)
		e.h.nbpages = actual
		changed = true
	}
	if e.h.freelistHead != 0 && e.h.freelistHead >= actual {
		e.log.Warnw("ndx: header freelist head out of range, clearing", "freelist_head", e.h.freelistHead, "nbpages", actual)
		e.h.freelistHead = 0
		changed = true
	}
	if !changed {
		return false, nil
	}
	if err := e.writeHeader(); err != nil {
		return false, err
	}
	return true, e.file.Sync()
}

func errf(format string, args ...any) string {
	return isxerr.Wrapf(isxerr.KindStructural, nil, format, args...).Error()
}
