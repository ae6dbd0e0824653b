package main

import (
	"encoding/binary"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage"
)

// Page kinds in the order pages prints them.
var pageKinds = []string{
	"leaf table",
	"interior table",
	"leaf index",
	"interior index",
	"overflow",
	"freelist trunk",
	"freelist leaf",
	"pointer map",
	"pending byte",
}

const pendingByte = 0x40000000

// takeCensus counts the pages of a database image by kind. Freelist and
// pointer-map pages are found from the header; b-tree pages by their
// type byte. Anything else is counted as overflow.
func takeCensus(image []byte) (map[string]int, error) {
	hdr, err := storage.ParseHeader(image)
	if err != nil {
		return nil, err
	}
	ps := hdr.PageSize
	usable := ps - int(hdr.ReservedSpace)
	nPage := uint32(len(image) / ps)
	page := func(pgno uint32) []byte {
		return image[int(pgno-1)*ps : int(pgno)*ps]
	}

	kinds := make(map[uint32]string, nPage)
	pending := uint32(pendingByte/ps) + 1
	if pending <= nPage {
		kinds[pending] = "pending byte"
	}

	seen := 0
	for trunk := hdr.FreelistTrunk; trunk != 0; {
		if trunk > nPage || seen > int(nPage) {
			return nil, serrors.Corruptf(trunk, "freelist trunk out of range or cyclic")
		}
		seen++
		kinds[trunk] = "freelist trunk"
		p := page(trunk)
		n := binary.BigEndian.Uint32(p[4:])
		if int(n) > usable/4-2 {
			return nil, serrors.Corruptf(trunk, "freelist trunk claims %d leaves", n)
		}
		for i := uint32(0); i < n; i++ {
			if leaf := binary.BigEndian.Uint32(p[8+4*i:]); leaf > 0 && leaf <= nPage {
				kinds[leaf] = "freelist leaf"
			}
		}
		trunk = binary.BigEndian.Uint32(p)
	}

	if hdr.LargestRootPage != 0 {
		perMap := uint32(usable/5 + 1)
		for base := uint32(2); base <= nPage; base += perMap {
			pgno := base
			if pgno == pending {
				pgno++
			}
			if pgno <= nPage {
				kinds[pgno] = "pointer map"
			}
		}
	}

	census := make(map[string]int)
	for pgno := uint32(1); pgno <= nPage; pgno++ {
		kind, ok := kinds[pgno]
		if !ok {
			off := 0
			if pgno == 1 {
				off = storage.DatabaseHeaderSize
			}
			switch page(pgno)[off] {
			case 0x0d:
				kind = "leaf table"
			case 0x05:
				kind = "interior table"
			case 0x0a:
				kind = "leaf index"
			case 0x02:
				kind = "interior index"
			default:
				kind = "overflow"
			}
		}
		census[kind]++
	}
	return census, nil
}
