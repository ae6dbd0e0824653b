package btree

import (
	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
)

// allocMode selects how allocatePage treats its nearby hint.
type allocMode int

const (
	allocAny   allocMode = iota // any page, preferably close to nearby
	allocExact                  // nearby itself if it is free
	allocLE                     // any free page numbered at most nearby
)

// getUnusedPage fetches a page that must not be referenced elsewhere.
func (bt *BtShared) getUnusedPage(pgno Pgno) (*MemPage, error) {
	mp, err := bt.getPage(pgno)
	if err != nil {
		return nil, err
	}
	if mp.pg.Refs() > 1 {
		bt.releasePage(mp)
		return nil, serrors.Corruptf(pgno, "free page is in use")
	}
	mp.isInit = false
	return mp, nil
}

// lookupPage returns the cached view of pgno, or nil.
func (bt *BtShared) lookupPage(pgno Pgno) *MemPage {
	pg := bt.pager.Lookup(pgno)
	if pg == nil {
		return nil
	}
	return bt.memPage(pg)
}

// allocatePage takes a page from the freelist, or extends the file when
// the freelist is empty. The page is returned writable and referenced;
// its content is unspecified.
func (bt *BtShared) allocatePage(nearby Pgno, mode allocMode) (*MemPage, Pgno, error) {
	p1 := bt.page1
	mxPage := bt.nPage
	n := get4(p1.data[pager.OffsetFreelistCount:])
	if n >= mxPage {
		return nil, 0, serrors.Corruptf(1, "freelist count %d exceeds page count %d", n, mxPage)
	}
	if n > 0 {
		return bt.allocateFromFreelist(nearby, mode, n)
	}

	if err := bt.writable(p1); err != nil {
		return nil, 0, err
	}
	pending := bt.pager.PendingBytePage()
	bt.nPage++
	if bt.nPage == pending {
		bt.nPage++
	}
	if bt.autoVacuum && bt.isPtrmapPage(bt.nPage) {
		// The next page belongs to the pointer map; allocate it too.
		pm, err := bt.getUnusedPage(bt.nPage)
		if err == nil {
			err = bt.writable(pm)
			clear(pm.data)
			bt.releasePage(pm)
		}
		if err != nil {
			return nil, 0, err
		}
		bt.nPage++
		if bt.nPage == pending {
			bt.nPage++
		}
	}
	put4(p1.data[pager.OffsetDatabaseSize:], bt.nPage)
	pgno := bt.nPage
	mp, err := bt.getUnusedPage(pgno)
	if err != nil {
		return nil, 0, err
	}
	if err := bt.writable(mp); err != nil {
		bt.releasePage(mp)
		return nil, 0, err
	}
	clear(mp.data)
	return mp, pgno, nil
}

func (bt *BtShared) allocateFromFreelist(nearby Pgno, mode allocMode, n uint32) (*MemPage, Pgno, error) {
	p1 := bt.page1
	mxPage := bt.nPage
	usable := uint32(bt.usableSize)

	searchList := false
	switch mode {
	case allocExact:
		if nearby <= mxPage {
			eType, _, err := bt.ptrmapGet(nearby)
			if err != nil {
				return nil, 0, err
			}
			searchList = eType == ptrmapFree
		}
	case allocLE:
		searchList = true
	}

	if err := bt.writable(p1); err != nil {
		return nil, 0, err
	}
	put4(p1.data[pager.OffsetFreelistCount:], n-1)

	var trunk, prevTrunk, result *MemPage
	var pgno Pgno
	defer func() {
		bt.releasePage(trunk)
		bt.releasePage(prevTrunk)
	}()
	fail := func(err error) (*MemPage, Pgno, error) {
		bt.releasePage(result)
		return nil, 0, err
	}

	nSearch := uint32(0)
	for {
		prevTrunk = trunk
		trunk = nil
		var iTrunk Pgno
		if prevTrunk != nil {
			iTrunk = get4(prevTrunk.data)
		} else {
			iTrunk = get4(p1.data[pager.OffsetFreelistTrunk:])
		}
		nSearch++
		if iTrunk > mxPage || nSearch > n+1 {
			return fail(serrors.Corruptf(1, "free-page list is corrupt"))
		}
		var err error
		if trunk, err = bt.getUnusedPage(iTrunk); err != nil {
			return fail(err)
		}
		data := trunk.data
		k := get4(data[4:])

		switch {
		case k == 0 && !searchList:
			// No leaves: the trunk itself is the new page.
			if err := bt.writable(trunk); err != nil {
				return fail(err)
			}
			pgno = iTrunk
			copy(p1.data[pager.OffsetFreelistTrunk:pager.OffsetFreelistTrunk+4], data[:4])
			result, trunk = trunk, nil

		case k > usable/4-2:
			return fail(serrors.Corruptf(iTrunk, "freelist trunk has %d leaves", k))

		case searchList && (nearby == iTrunk || (iTrunk < nearby && mode == allocLE)):
			// The trunk is the page wanted, leaves or not.
			pgno = iTrunk
			result, trunk = trunk, nil
			searchList = false
			if err := bt.writable(result); err != nil {
				return fail(err)
			}
			if k == 0 {
				if prevTrunk == nil {
					copy(p1.data[pager.OffsetFreelistTrunk:pager.OffsetFreelistTrunk+4], data[:4])
				} else {
					if err := bt.writable(prevTrunk); err != nil {
						return fail(err)
					}
					copy(prevTrunk.data[:4], data[:4])
				}
				break
			}
			// The first leaf becomes a trunk in its place.
			iNew := get4(data[8:])
			if iNew > mxPage || iNew < 2 {
				return fail(serrors.Corruptf(iTrunk, "freelist leaf %d out of range", iNew))
			}
			nt, err := bt.getUnusedPage(iNew)
			if err != nil {
				return fail(err)
			}
			if err := bt.writable(nt); err != nil {
				bt.releasePage(nt)
				return fail(err)
			}
			copy(nt.data[:4], data[:4])
			put4(nt.data[4:], k-1)
			copy(nt.data[8:], data[12:12+(k-1)*4])
			bt.releasePage(nt)
			if prevTrunk == nil {
				put4(p1.data[pager.OffsetFreelistTrunk:], iNew)
			} else {
				if err := bt.writable(prevTrunk); err != nil {
					return fail(err)
				}
				put4(prevTrunk.data, iNew)
			}

		case k > 0:
			closest := uint32(0)
			if nearby > 0 {
				if mode == allocLE {
					for i := uint32(0); i < k; i++ {
						if get4(data[8+i*4:]) <= nearby {
							closest = i
							break
						}
					}
				} else {
					dist := absDiff(get4(data[8:]), nearby)
					for i := uint32(1); i < k; i++ {
						if d := absDiff(get4(data[8+i*4:]), nearby); d < dist {
							closest, dist = i, d
						}
					}
				}
			}
			iPage := get4(data[8+closest*4:])
			if iPage > mxPage || iPage < 2 {
				return fail(serrors.Corruptf(iTrunk, "freelist leaf %d out of range", iPage))
			}
			if !searchList || iPage == nearby || (iPage < nearby && mode == allocLE) {
				pgno = iPage
				if err := bt.writable(trunk); err != nil {
					return fail(err)
				}
				if closest < k-1 {
					copy(data[8+closest*4:12+closest*4], data[4+k*4:8+k*4])
				}
				put4(data[4:], k-1)
				mp, err := bt.getUnusedPage(pgno)
				if err != nil {
					return fail(err)
				}
				result = mp
				if err := bt.writable(mp); err != nil {
					return fail(err)
				}
				searchList = false
			}
		}

		bt.releasePage(prevTrunk)
		prevTrunk = nil
		if !searchList {
			break
		}
	}
	if result == nil {
		return nil, 0, serrors.Corruptf(1, "free-page list is corrupt")
	}
	return result, pgno, nil
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// freePage puts pgno on the freelist. mp is the page if the caller
// holds it; the caller's reference is not consumed.
func (bt *BtShared) freePage(pgno Pgno, mp *MemPage) error {
	if pgno < 2 || pgno > bt.nPage {
		return serrors.Corruptf(pgno, "freeing page out of range")
	}
	page := mp
	if page != nil {
		bt.pager.Ref(page.pg)
	} else {
		page = bt.lookupPage(pgno)
	}
	var trunk *MemPage
	defer func() {
		if page != nil {
			page.isInit = false
		}
		bt.releasePage(page)
		bt.releasePage(trunk)
	}()

	p1 := bt.page1
	if err := bt.writable(p1); err != nil {
		return err
	}
	nFree := get4(p1.data[pager.OffsetFreelistCount:])
	put4(p1.data[pager.OffsetFreelistCount:], nFree+1)

	if bt.secureDelete {
		if page == nil {
			var err error
			if page, err = bt.getPage(pgno); err != nil {
				return err
			}
		}
		if err := bt.writable(page); err != nil {
			return err
		}
		clear(page.data)
	}

	if bt.autoVacuum {
		if err := bt.ptrmapPut(pgno, ptrmapFree, 0); err != nil {
			return err
		}
	}

	usable := uint32(bt.usableSize)
	var iTrunk Pgno
	if nFree != 0 {
		iTrunk = get4(p1.data[pager.OffsetFreelistTrunk:])
		if iTrunk < 2 || iTrunk > bt.nPage {
			return serrors.Corruptf(1, "freelist trunk %d out of range", iTrunk)
		}
		var err error
		if trunk, err = bt.getPage(iTrunk); err != nil {
			return err
		}
		nLeaf := get4(trunk.data[4:])
		if nLeaf > usable/4-2 {
			return serrors.Corruptf(iTrunk, "freelist trunk has %d leaves", nLeaf)
		}
		if nLeaf < usable/4-8 {
			if err := bt.writable(trunk); err != nil {
				return err
			}
			put4(trunk.data[4:], nLeaf+1)
			put4(trunk.data[8+nLeaf*4:], pgno)
			if page != nil && !bt.secureDelete {
				bt.pager.DontWrite(page.pg)
			}
			return nil
		}
	}

	// The freed page becomes the new first trunk.
	if page == nil {
		var err error
		if page, err = bt.getPage(pgno); err != nil {
			return err
		}
	}
	if err := bt.writable(page); err != nil {
		return err
	}
	put4(page.data, iTrunk)
	put4(page.data[4:], 0)
	put4(p1.data[pager.OffsetFreelistTrunk:], pgno)
	return nil
}

// freelistPages returns every page on the freelist, trunks included, in
// list order.
func (bt *BtShared) freelistPages() ([]Pgno, error) {
	p1 := bt.page1
	n := get4(p1.data[pager.OffsetFreelistCount:])
	iTrunk := get4(p1.data[pager.OffsetFreelistTrunk:])
	usable := uint32(bt.usableSize)
	var out []Pgno
	for iTrunk != 0 {
		if iTrunk < 2 || iTrunk > bt.nPage || uint32(len(out)) > n {
			return out, serrors.Corruptf(iTrunk, "free-page list is corrupt")
		}
		pg, err := bt.pager.Get(iTrunk)
		if err != nil {
			return out, err
		}
		out = append(out, iTrunk)
		k := get4(pg.Data[4:])
		if k > usable/4-2 {
			bt.pager.Unref(pg)
			return out, serrors.Corruptf(iTrunk, "freelist trunk has %d leaves", k)
		}
		for i := uint32(0); i < k; i++ {
			out = append(out, get4(pg.Data[8+i*4:]))
		}
		next := get4(pg.Data)
		bt.pager.Unref(pg)
		iTrunk = next
	}
	if uint32(len(out)) != n {
		return out, serrors.Corruptf(1, "freelist has %d pages, header says %d", len(out), n)
	}
	return out, nil
}
