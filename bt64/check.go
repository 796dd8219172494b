package bt64

import "github.com/dbisx/isx/isxerr"

// CheckReport summarizes the result of Check.
type CheckReport struct {
	Pages      uint32
	Leaves     uint32
	Nodes      uint32
	Keys       uint64
	MaxDepth   int
	FreePages  uint32
	Problems   []string
}

// OK reports whether the index passed every structural check.
func (r *CheckReport) OK() bool { return len(r.Problems) == 0 }

// Check walks the whole tree from the root, verifying:
//   - every inner node's keys are sorted and each subtree's keys stay
//     within the bound implied by its separator
//   - every leaf's records are sorted and the leaf-level next chain
//     terminates exactly once, at nilPage
//   - the freelist reachable from the header is well-formed and uses
//     0, never nilPage, as its terminator; the two sentinels must
//     never be mixed
//   - every page in the file is accounted for exactly once, as a
//     tree page, a free page, or the header page
//
// Check takes no locks beyond whatever the Engine already holds; it
// is safe to run against a Read or ReadPread engine.
func (e *Engine) Check() (*CheckReport, error) {
	h, err := e.readHeader()
	if err != nil {
		return nil, err
	}

	r := &CheckReport{}
	seen := make(map[uint32]string, h.nbpages)
	// The walk reaches leaves left to right, so each leaf's next must be
	// the leaf walked after it; lastLeaf stays 0 until a leaf is seen.
	var lastLeaf, lastLeafNext uint32

	var walk func(p ptr, depth int, lo, hi *uint64) (maxKey uint64, hasKey bool, err error)
	walk = func(p ptr, depth int, lo, hi *uint64) (uint64, bool, error) {
		idx := p.pageIndex()
		if idx == 0 || idx >= h.nbpages {
			r.Problems = append(r.Problems, errf("page %d out of range", idx))
			return 0, false, nil
		}
		if kind, dup := seen[idx]; dup {
			r.Problems = append(r.Problems, errf("page %d visited twice (as %s and now %s)", idx, kind, roleOf(p)))
			return 0, false, nil
		}
		seen[idx] = roleOf(p)

		buf, err := e.readPage(idx)
		if err != nil {
			return 0, false, err
		}

		if p.isNode() {
			r.Nodes++
			n := asNode(buf)
			nb := n.nbkeys()
			if depth+1 > r.MaxDepth {
				r.MaxDepth = depth + 1
			}
			var prev uint64
			var hasAny bool
			var runningMax uint64
			for i := uint32(0); i <= nb; i++ {
				if i < nb {
					k := n.key(i)
					if i > 0 && k < prev {
						r.Problems = append(r.Problems, errf("node %d: keys out of order at %d", idx, i))
					}
					prev = k
				}
				childHi := (*uint64)(nil)
				if i < nb {
					v := n.key(i)
					childHi = &v
				} else {
					childHi = hi
				}
				childLo := lo
				if i > 0 {
					v := n.key(i - 1)
					childLo = &v
				}
				mk, has, err := walk(n.ptr(i), depth+1, childLo, childHi)
				if err != nil {
					return 0, false, err
				}
				if has {
					hasAny = true
					runningMax = mk
				}
			}
			if hi != nil && hasAny && runningMax > *hi {
				r.Problems = append(r.Problems, errf("node %d: subtree exceeds parent bound", idx))
			}
			return runningMax, hasAny, nil
		}

		r.Leaves++
		l := asLeaf(buf)
		if lastLeaf != 0 && lastLeafNext != idx {
			r.Problems = append(r.Problems, errf("leaf %d: next is %d, but the following leaf is %d", lastLeaf, lastLeafNext, idx))
		}
		lastLeaf, lastLeafNext = idx, l.next()
		var prev uint64
		first := true
		var hasAny bool
		var maxKey uint64
		l.scan(func(rec record) bool {
			if !first && rec.key < prev {
				r.Problems = append(r.Problems, errf("leaf %d: keys out of order", idx))
			}
			if lo != nil && rec.key < *lo {
				r.Problems = append(r.Problems, errf("leaf %d: key %d below parent lower bound", idx, rec.key))
			}
			if hi != nil && rec.key > *hi {
				r.Problems = append(r.Problems, errf("leaf %d: key %d above parent separator", idx, rec.key))
			}
			prev = rec.key
			first = false
			hasAny = true
			maxKey = rec.key
			r.Keys++
			return true
		})
		return maxKey, hasAny, nil
	}

	if _, _, err := walk(h.root, 1, nil, nil); err != nil {
		return nil, err
	}

	// Every leaf but the rightmost was matched against its successor
	// during the walk; the rightmost one must end the chain at nilPage.
	if lastLeaf != 0 && lastLeafNext != nilPage {
		r.Problems = append(r.Problems, errf("leaf %d: rightmost leaf has next %d instead of nilPage", lastLeaf, lastLeafNext))
	}

	walkFree := func() error {
		visited := make(map[uint32]bool)
		cur := h.freelistHead
		for cur != 0 {
			if cur >= h.nbpages {
				r.Problems = append(r.Problems, errf("freelist: page %d out of range", cur))
				return nil
			}
			if visited[cur] {
				r.Problems = append(r.Problems, errf("freelist: cycle at page %d", cur))
				return nil
			}
			if kind, used := seen[cur]; used {
				r.Problems = append(r.Problems, errf("freelist: page %d already in use as %s", cur, kind))
				return nil
			}
			visited[cur] = true
			buf, err := e.readPage(cur)
			if err != nil {
				return err
			}
			next := asLeaf(buf).next()
			if next == nilPage {
				r.Problems = append(r.Problems, errf("freelist: page %d terminated with nilPage instead of 0", cur))
				return nil
			}
			r.FreePages++
			seen[cur] = "free"
			cur = next
		}
		return nil
	}
	if err := walkFree(); err != nil {
		return nil, err
	}

	r.Pages = h.nbpages
	for idx := uint32(1); idx < h.nbpages; idx++ {
		if _, ok := seen[idx]; !ok {
			r.Problems = append(r.Problems, errf("page %d unreachable from both the tree and the freelist", idx))
		}
	}

	return r, nil
}

// Fix patches the header's page count and freelist head when they
// provably disagree with the file's actual length; the only mutation
// the checker is allowed to make, and only when the disagreement is
// directly observable (it never repairs tree structure). Fix requires
// a writable Engine.
func (e *Engine) Fix() (bool, error) {
	if err := e.requireWritable(); err != nil {
		return false, err
	}
	h, err := e.readHeader()
	if err != nil {
		return false, err
	}
	actual := e.file.NumPages()
	changed := false
	if h.nbpages != actual {
		e.log.Warnw("bt64: header nbpages disagrees with file length", "header", h.nbpages, "actual", actual)
		h.nbpages = actual
		changed = true
	}
	if h.freelistHead != 0 && h.freelistHead >= actual {
		e.log.Warnw("bt64: header freelist head out of range, clearing", "freelist_head", h.freelistHead, "nbpages", actual)
		h.freelistHead = 0
		changed = true
	}
	if !changed {
		return false, nil
	}
	if err := e.writeHeader(h); err != nil {
		return false, err
	}
	return true, e.file.Sync()
}

func roleOf(p ptr) string {
	if p.isNode() {
		return "node"
	}
	return "leaf"
}

func errf(format string, args ...any) string {
	return isxerr.Wrapf(isxerr.KindStructural, nil, format, args...).Error()
}
