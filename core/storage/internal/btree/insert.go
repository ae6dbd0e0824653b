package btree

import (
	serrors "github.com/FocuswithJustin/pagestore/core/errors"
)

// checkWrite verifies that c may modify its tree.
func (c *Cursor) checkWrite(op string) error {
	if c.state == CursorFault {
		return c.fault
	}
	if !c.write {
		return serrors.NewMisuse(op, "read-only cursor")
	}
	if c.btree.inTrans != TransWrite {
		return serrors.NewMisuse(op, c.btree.inTrans.String())
	}
	if c.root == 0 {
		return serrors.NewMisuse(op, "cursor on empty database")
	}
	return nil
}

// Insert adds an entry, replacing any entry with the same key. Table
// trees use pl.Rowid and pl.Data; index trees use pl.Key. With
// appendBias the caller expects the key to sort after every existing
// key. The cursor afterwards points at the new entry.
func (c *Cursor) Insert(pl Payload, appendBias bool) error {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.checkWrite("Insert"); err != nil {
		return err
	}
	bt := c.bt
	if err := bt.saveAllCursors(c.root, c); err != nil {
		return err
	}

	var loc int
	var err error
	if err := c.restore(); err != nil {
		return err
	}
	if !c.kindKnown {
		if err := c.moveToRoot(); err != nil {
			return err
		}
	}
	if c.intKey {
		if pl.Key != nil {
			return serrors.NewValidation("Key", "table trees are keyed by rowid")
		}
		if c.state == CursorValid && c.validInfo && c.page().leaf && c.info.Key == pl.Rowid {
			loc = 0
		} else {
			loc, err = c.seekRowid(pl.Rowid, appendBias)
		}
	} else {
		if pl.Data != nil {
			return serrors.NewValidation("Data", "index trees carry only a key")
		}
		loc, err = c.seekIndex(pl.Key)
	}
	if err != nil {
		return err
	}
	p := c.page()
	if err := bt.writable(p); err != nil {
		return err
	}
	cell, err := bt.fillInCell(p, pl)
	if err != nil {
		return err
	}
	idx := c.ix[c.depth]
	c.invalidateInfo()
	c.atLast = false

	if loc == 0 && c.state == CursorValid {
		if idx >= p.nCell {
			return serrors.Corruptf(p.pgno, "cursor index %d past %d cells", idx, p.nCell)
		}
		old := p.findCell(idx)
		info, err := p.parseCell(old)
		if err != nil {
			return err
		}
		if !p.leaf {
			copy(cell[:4], old[:4])
		}
		if err := bt.clearCell(p, old); err != nil {
			return err
		}
		if info.CellSize == len(cell) && int(info.PayloadSize) == info.LocalSize &&
			(!bt.autoVacuum || len(cell) < p.minLocal) {
			copy(old, cell)
			c.state = CursorValid
			return nil
		}
		if err := p.dropCell(idx, info.CellSize); err != nil {
			return err
		}
	} else if loc < 0 && p.nCell > 0 {
		idx++
		c.ix[c.depth] = idx
	}

	if err := p.insertCell(idx, cell, 0); err != nil {
		return err
	}
	c.state = CursorValid
	if p.nOverflow == 0 {
		return nil
	}

	err = c.balance()
	c.page().nOverflow = 0
	c.state = CursorInvalid
	if err != nil {
		return err
	}
	c.releasePages()
	if c.intKey {
		c.savedRowid = pl.Rowid
	} else {
		c.savedKey = append([]byte(nil), pl.Key...)
	}
	c.skipNext = 0
	c.state = CursorRequireSeek
	return nil
}

// Delete removes the entry the cursor points at. Afterwards Next moves
// to the entry that followed it and Previous to the one that preceded
// it.
func (c *Cursor) Delete() error {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.checkWrite("Delete"); err != nil {
		return err
	}
	bt := c.bt
	if c.state != CursorValid {
		if c.state < CursorRequireSeek {
			return serrors.NewMisuse("Delete", "cursor not positioned")
		}
		if err := c.restore(); err != nil {
			return err
		}
		if c.state != CursorValid {
			return serrors.NewMisuse("Delete", "entry to delete no longer exists")
		}
	}

	cellDepth := c.depth
	cellIdx := c.ix[c.depth]
	p := c.page()
	if cellIdx >= p.nCell {
		return serrors.Corruptf(p.pgno, "cursor index %d past %d cells", cellIdx, p.nCell)
	}
	cell := p.findCell(cellIdx)
	if cell == nil {
		return serrors.Corruptf(p.pgno, "cell %d out of bounds", cellIdx)
	}

	// Either the deletion triggers a rebalance, in which case the key is
	// saved and the cursor re-seeks, or it does not and the cursor stays
	// next to the hole.
	stayPut := p.leaf && p.nCell > 1 &&
		p.nFree+p.cellSize(cell)+2 <= bt.usableSize*2/3
	if !stayPut {
		if err := c.saveKey(); err != nil {
			return err
		}
	}

	// An entry on an interior page is replaced by its predecessor, which
	// always lives on a leaf under the left child.
	if !p.leaf {
		if err := c.previous(); err != nil {
			return err
		}
	}
	if err := bt.saveAllCursors(c.root, c); err != nil {
		return err
	}

	if err := bt.writable(p); err != nil {
		return err
	}
	sz := p.cellSize(cell)
	if err := bt.clearCell(p, cell); err != nil {
		return err
	}
	if err := p.dropCell(cellIdx, sz); err != nil {
		return err
	}

	if !p.leaf {
		leaf := c.page()
		var child Pgno
		if cellDepth < c.depth-1 {
			child = c.pages[cellDepth+1].pgno
		} else {
			child = leaf.pgno
		}
		lastIdx := leaf.nCell - 1
		r := leaf.locate(lastIdx)
		leafCell, err := leaf.cellBytes(r)
		if err != nil {
			return err
		}
		if err := bt.writable(leaf); err != nil {
			return err
		}
		div := make([]byte, 4+len(leafCell))
		copy(div[4:], leafCell)
		if err := p.insertCell(cellIdx, div, child); err != nil {
			return err
		}
		if err := leaf.dropCell(lastIdx, len(leafCell)); err != nil {
			return err
		}
	}

	var err error
	if c.page().nFree*3 > bt.usableSize*2 {
		err = c.balance()
	}
	if err == nil && c.depth > cellDepth {
		for c.depth > cellDepth {
			c.moveToParent()
		}
		err = c.balance()
	}
	if err != nil {
		return err
	}

	if stayPut {
		c.state = CursorSkipNext
		c.invalidateInfo()
		if cellIdx >= p.nCell {
			c.skipNext = -1
			c.ix[c.depth] = p.nCell - 1
		} else {
			c.skipNext = 1
		}
		return nil
	}
	c.releasePages()
	c.invalidateInfo()
	c.skipNext = 0
	c.state = CursorRequireSeek
	return nil
}
