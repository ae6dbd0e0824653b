package btree

import (
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
)

// DefaultMaxErrors bounds the messages of IntegrityCheck when the caller
// passes no limit.
const DefaultMaxErrors = 100

type integrityChecker struct {
	bt     *BtShared
	nPage  Pgno
	seen   *roaring.Bitmap
	maxErr int
	errs   []string
}

func (c *integrityChecker) full() bool { return len(c.errs) >= c.maxErr }

func (c *integrityChecker) addf(format string, args ...any) {
	if c.full() {
		return
	}
	c.errs = append(c.errs, fmt.Sprintf(format, args...))
}

// ref marks pgno as used. It reports false, after recording why, when
// the number is out of range or the page was already claimed.
func (c *integrityChecker) ref(pgno Pgno, context string) bool {
	if pgno == 0 || pgno > c.nPage {
		c.addf("%sinvalid page number %d", context, pgno)
		return false
	}
	if !c.seen.CheckedAdd(pgno) {
		c.addf("%s2nd reference to page %d", context, pgno)
		return false
	}
	return true
}

func (c *integrityChecker) checkPtrmap(child Pgno, eType byte, parent Pgno, context string) {
	got, gotParent, err := c.bt.ptrmapGet(child)
	if err != nil {
		c.addf("%sfailed to read pointer map entry for page %d: %v", context, child, err)
		return
	}
	if got != eType || gotParent != parent {
		c.addf("%sbad pointer map entry for page %d: expected (%d,%d) got (%d,%d)",
			context, child, eType, parent, got, gotParent)
	}
}

// checkList walks a freelist (trunks and leaves) or an overflow chain
// starting at first and checks that it holds n pages.
func (c *integrityChecker) checkList(freelist bool, first Pgno, n int, context string) {
	bt := c.bt
	count := 0
	for pgno := first; pgno != 0 && !c.full(); {
		if !c.ref(pgno, context) {
			return
		}
		count++
		pg, err := bt.pager.Get(pgno)
		if err != nil {
			c.addf("%sfailed to get page %d: %v", context, pgno, err)
			return
		}
		next := get4(pg.Data)
		if freelist {
			if bt.autoVacuum {
				c.checkPtrmap(pgno, ptrmapFree, 0, context)
			}
			k := int(get4(pg.Data[4:]))
			if k > bt.usableSize/4-2 {
				c.addf("%sfreelist leaf count too big on page %d", context, pgno)
				bt.pager.Unref(pg)
				return
			}
			for i := 0; i < k; i++ {
				leaf := get4(pg.Data[8+4*i:])
				if c.ref(leaf, context) && bt.autoVacuum {
					c.checkPtrmap(leaf, ptrmapFree, 0, context)
				}
			}
			count += k
		} else if bt.autoVacuum && next != 0 {
			c.checkPtrmap(next, ptrmapOverflow2, pgno, context)
		}
		bt.pager.Unref(pg)
		pgno = next
	}
	if count != n && !c.full() {
		what := "overflow list length"
		if freelist {
			what = "size"
		}
		c.addf("%s%s is %d but should be %d", context, what, count, n)
	}
}

// keyRange bounds the rowids a subtree of a table tree may hold:
// lo < key <= hi.
type keyRange struct {
	lo, hi       int64
	hasLo, hasHi bool
}

func (r keyRange) contains(k int64) bool {
	return (!r.hasLo || k > r.lo) && (!r.hasHi || k <= r.hi)
}

// checkTreePage checks the subtree at pgno and returns its depth, or -1
// if it could not be read.
func (c *integrityChecker) checkTreePage(pgno, parent Pgno, intKey bool, keys keyRange) int {
	if c.full() {
		return -1
	}
	bt := c.bt
	context := fmt.Sprintf("Page %d: ", pgno)
	if !c.ref(pgno, context) {
		return -1
	}
	if bt.autoVacuum && parent != 0 {
		c.checkPtrmap(pgno, ptrmapBtree, parent, context)
	}
	mp, err := bt.getAndInitPage(pgno)
	if err != nil {
		c.addf("%s%v", context, err)
		return -1
	}
	defer bt.releasePage(mp)
	if parent != 0 && mp.intKey != intKey {
		c.addf("%spage type differs from its parent", context)
		return -1
	}

	usable := bt.usableSize
	top := mp.contentStart()
	ptrEnd := mp.cellOffset + 2*mp.nCell
	if ptrEnd > top {
		c.addf("%scell pointer array overlaps content area", context)
	}

	type span struct{ start, end int }
	spans := make([]span, 0, mp.nCell+8)

	depth := -1
	prev, hasPrev := int64(0), false
	for i := 0; i < mp.nCell && !c.full(); i++ {
		cctx := fmt.Sprintf("Page %d cell %d: ", pgno, i)
		off := mp.cellOff(i)
		if off < top || off > usable-4 {
			c.addf("%soffset %d out of range %d..%d", cctx, off, top, usable-4)
			continue
		}
		info, err := mp.parseCell(mp.data[off:usable])
		if err != nil {
			c.addf("%s%v", cctx, err)
			continue
		}
		if off+info.CellSize > usable {
			c.addf("%sextends off end of page", cctx)
			continue
		}
		spans = append(spans, span{off, off + info.CellSize})

		if mp.intKey {
			if hasPrev && info.Key <= prev {
				c.addf("%srowid %d out of order", cctx, info.Key)
			} else if !keys.contains(info.Key) {
				c.addf("%srowid %d out of range", cctx, info.Key)
			}
		}

		if info.LocalSize < int(info.PayloadSize) {
			n := bt.overflowPages(info)
			if bt.autoVacuum {
				c.checkPtrmap(info.Overflow, ptrmapOverflow1, pgno, cctx)
			}
			c.checkList(false, info.Overflow, n, cctx)
		}

		if !mp.leaf {
			sub := keyRange{lo: prev, hasLo: hasPrev, hi: info.Key, hasHi: mp.intKey}
			if !mp.intKey {
				sub = keyRange{}
			}
			d := c.checkTreePage(info.ChildPage, pgno, mp.intKey, sub)
			if d >= 0 {
				if depth >= 0 && d != depth {
					c.addf("%schild page depth differs", cctx)
				}
				depth = d
			}
		}
		if mp.intKey {
			prev, hasPrev = info.Key, true
		}
	}
	if !mp.leaf {
		sub := keyRange{lo: prev, hasLo: hasPrev, hi: keys.hi, hasHi: keys.hasHi}
		if !mp.intKey {
			sub = keyRange{}
		}
		d := c.checkTreePage(mp.rightChild(), pgno, mp.intKey, sub)
		if d >= 0 {
			if depth >= 0 && d != depth {
				c.addf("%schild page depth differs", context)
			}
			depth = d
		}
	} else {
		depth = 0
	}

	// Cells and freeblocks must tile the content area without overlap;
	// the gaps left are the fragmented bytes.
	for pc := get2(mp.data[mp.hdrOffset+hdrFreeblock:]); pc != 0; {
		if pc < top || pc+4 > usable {
			c.addf("%sfreeblock %d out of range", context, pc)
			break
		}
		size := get2(mp.data[pc+2:])
		spans = append(spans, span{pc, pc + size})
		next := get2(mp.data[pc:])
		if next != 0 && next <= pc+size {
			c.addf("%sfreeblocks out of order at %d", context, pc)
			break
		}
		pc = next
	}
	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	used := 0
	for i, s := range spans {
		if i > 0 && s.start < spans[i-1].end {
			c.addf("%smultiple uses for byte %d", context, s.start)
			return depth + 1
		}
		used += s.end - s.start
	}
	frag := usable - top - used
	if got := int(mp.data[mp.hdrOffset+hdrFragmented]); frag != got {
		c.addf("%sfragmentation of %d bytes reported as %d", context, frag, got)
	}
	return depth + 1
}

// IntegrityCheck verifies the trees rooted at roots, the freelist and the
// pointer map, and that every page of the file is used exactly once. It
// returns at most maxErrors problem descriptions; an empty result means
// the database is consistent. roots should name every tree in the file,
// page 1 included. A transaction must be open.
func (p *Btree) IntegrityCheck(roots []Pgno, maxErrors int) ([]string, error) {
	p.enter()
	defer p.leave()
	if p.inTrans == TransNone {
		return nil, serrors.NewMisuse("IntegrityCheck", p.inTrans.String())
	}
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	bt := p.bt
	c := &integrityChecker{
		bt:     bt,
		nPage:  bt.nPage,
		seen:   roaring.New(),
		maxErr: maxErrors,
	}
	if c.nPage == 0 {
		return nil, nil
	}
	if pending := bt.pager.PendingBytePage(); pending <= c.nPage {
		c.seen.Add(pending)
	}

	p1 := bt.page1.data
	c.checkList(true, get4(p1[pager.OffsetFreelistTrunk:]), int(get4(p1[pager.OffsetFreelistCount:])), "Main freelist: ")

	if bt.autoVacuum {
		var maxRoot Pgno
		for _, r := range roots {
			maxRoot = max(maxRoot, r)
		}
		if mx := get4(p1[pager.OffsetLargestRootPage:]); mx != maxRoot {
			c.addf("max rootpage (%d) disagrees with header (%d)", maxRoot, mx)
		}
	} else if get4(p1[pager.OffsetIncrementalVacuum:]) != 0 {
		c.addf("incremental vacuum enabled with a max rootpage of zero")
	}

	for _, r := range roots {
		if r == 0 || c.full() {
			continue
		}
		if bt.autoVacuum && r > 1 {
			c.checkPtrmap(r, ptrmapRoot, 0, fmt.Sprintf("Tree %d: ", r))
		}
		mp, err := bt.getAndInitPage(r)
		if err != nil {
			c.addf("Tree %d: %v", r, err)
			continue
		}
		intKey := mp.intKey
		bt.releasePage(mp)
		c.checkTreePage(r, 0, intKey, keyRange{})
	}

	for i := Pgno(1); i <= c.nPage && !c.full(); i++ {
		ptrmap := bt.autoVacuum && bt.isPtrmapPage(i)
		used := c.seen.Contains(i)
		if !used && !ptrmap {
			c.addf("Page %d: never used", i)
		}
		if used && ptrmap {
			c.addf("Page %d: pointer map referenced", i)
		}
	}
	return c.errs, nil
}
