package btree

import (
	"bytes"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
)

// CursorState is the position state of a Cursor.
type CursorState int

const (
	// CursorValid means the cursor points to an entry.
	CursorValid CursorState = iota
	// CursorInvalid means the cursor points nowhere, for example past
	// the last entry.
	CursorInvalid
	// CursorSkipNext means the cursor points next to where a deleted
	// entry used to be; the next move in one direction is a no-op.
	CursorSkipNext
	// CursorRequireSeek means the position is held as a saved key and
	// the cursor must seek before it is used.
	CursorRequireSeek
	// CursorFault means an error invalidated the cursor. It returns the
	// error until Reset.
	CursorFault
)

func (s CursorState) String() string {
	switch s {
	case CursorValid:
		return "valid"
	case CursorInvalid:
		return "invalid"
	case CursorSkipNext:
		return "skipnext"
	case CursorRequireSeek:
		return "requireseek"
	case CursorFault:
		return "fault"
	}
	return "unknown"
}

// Cursor walks one tree. It holds references to every page from the root
// to its current position.
type Cursor struct {
	btree *Btree
	bt    *BtShared
	root  Pgno
	write bool

	intKey    bool
	kindKnown bool

	state    CursorState
	skipNext int
	fault    error

	depth int // index of the current page; -1 when no page is held
	pages [maxDepth]*MemPage
	ix    [maxDepth]int

	info      CellInfo
	validInfo bool
	atLast    bool

	savedKey   []byte
	savedRowid int64
	closed     bool
}

// Cursor opens a cursor on the tree rooted at root. A write transaction
// is required for write cursors. In shared-cache mode the table lock is
// taken here.
func (p *Btree) Cursor(root Pgno, write bool) (*Cursor, error) {
	p.enter()
	defer p.leave()
	return p.cursor(root, write)
}

func (p *Btree) cursor(root Pgno, write bool) (*Cursor, error) {
	bt := p.bt
	if p.inTrans == TransNone {
		return nil, serrors.NewMisuse("Cursor", "no transaction")
	}
	if write {
		if bt.readOnly {
			return nil, serrors.Wrap(serrors.ErrReadOnly, bt.pager.Filename())
		}
		if p.inTrans != TransWrite {
			return nil, serrors.NewMisuse("Cursor", "write cursor needs a write transaction")
		}
	}
	if root < 1 {
		return nil, serrors.NewValidation("root", "root page must be at least 1")
	}
	if p.sharable {
		mode := LockRead
		if write {
			mode = LockWrite
		}
		if err := p.lockTable(root, mode); err != nil {
			return nil, err
		}
	}
	if root == 1 && bt.nPage == 0 {
		root = 0
	} else if root > bt.nPage {
		return nil, serrors.Corruptf(root, "root page beyond end of database (%d pages)", bt.nPage)
	}

	c := &Cursor{
		btree: p,
		bt:    bt,
		root:  root,
		write: write,
		state: CursorInvalid,
		depth: -1,
	}
	bt.cursors = append(bt.cursors, c)
	return c, nil
}

// Close releases the cursor.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.btree.enter()
	defer c.btree.leave()
	c.close()
	return nil
}

func (c *Cursor) close() {
	if c.closed {
		return
	}
	bt := c.bt
	for i, o := range bt.cursors {
		if o == c {
			bt.cursors = append(bt.cursors[:i], bt.cursors[i+1:]...)
			break
		}
	}
	c.releasePages()
	c.closed = true
	c.state = CursorInvalid
	p := c.btree
	if p.lingering && !p.hasCursors() {
		p.lingering = false
		p.endTransaction()
	}
	bt.unlockIfUnused()
}

func (c *Cursor) releasePages() {
	for i := c.depth; i >= 0; i-- {
		c.bt.releasePage(c.pages[i])
		c.pages[i] = nil
	}
	c.depth = -1
}

func (c *Cursor) page() *MemPage { return c.pages[c.depth] }

// State returns the cursor state.
func (c *Cursor) State() CursorState { return c.state }

// Root returns the root page the cursor was opened on.
func (c *Cursor) Root() Pgno { return c.root }

// IsTable reports whether the cursor walks a table tree. The kind is
// known once the cursor has been positioned.
func (c *Cursor) IsTable() bool { return c.kindKnown && c.intKey }

// Err returns the error that faulted the cursor, or nil.
func (c *Cursor) Err() error {
	if c.state == CursorFault {
		return c.fault
	}
	return nil
}

// Reset clears a fault and leaves the cursor unpositioned.
func (c *Cursor) Reset() {
	c.btree.enter()
	defer c.btree.leave()
	c.releasePages()
	c.clearSaved()
	c.fault = nil
	c.state = CursorInvalid
}

func (c *Cursor) clearSaved() {
	c.savedKey = nil
	c.savedRowid = 0
	c.skipNext = 0
}

func (c *Cursor) invalidateInfo() {
	c.validInfo = false
}

// trip puts the cursor into the FAULT state.
func (c *Cursor) trip(err error) {
	c.releasePages()
	c.clearSaved()
	c.state = CursorFault
	c.fault = err
}

func (bt *BtShared) tripAllCursors(err error) {
	for _, c := range bt.cursors {
		c.trip(err)
	}
}

// moveToRoot positions the cursor on the root page. An empty tree leaves
// the cursor INVALID.
func (c *Cursor) moveToRoot() error {
	bt := c.bt
	if c.state >= CursorRequireSeek {
		if c.state == CursorFault {
			return c.fault
		}
		c.clearSaved()
	}
	c.invalidateInfo()
	c.atLast = false

	switch {
	case c.depth >= 0:
		for c.depth > 0 {
			bt.releasePage(c.pages[c.depth])
			c.pages[c.depth] = nil
			c.depth--
		}
	case c.root == 0:
		c.state = CursorInvalid
		return nil
	default:
		mp, err := bt.getAndInitPage(c.root)
		if err != nil {
			c.state = CursorInvalid
			return err
		}
		if c.kindKnown && mp.intKey != c.intKey {
			bt.releasePage(mp)
			c.state = CursorInvalid
			return serrors.Corruptf(c.root, "root page changed kind")
		}
		c.intKey = mp.intKey
		c.kindKnown = true
		c.pages[0] = mp
		c.depth = 0
	}

	root := c.pages[0]
	c.ix[0] = 0
	switch {
	case root.nCell > 0:
		c.state = CursorValid
	case !root.leaf:
		if root.pgno != 1 {
			return serrors.Corruptf(root.pgno, "interior root page with no cells")
		}
		c.state = CursorValid
		return c.moveToChild(root.rightChild())
	default:
		c.state = CursorInvalid
	}
	return nil
}

// moveToChild descends into page pgno, a child of the current page.
func (c *Cursor) moveToChild(pgno Pgno) error {
	if c.depth >= maxDepth-1 {
		return serrors.Corruptf(pgno, "tree deeper than %d levels", maxDepth)
	}
	c.invalidateInfo()
	mp, err := c.bt.getAndInitPage(pgno)
	if err != nil {
		return err
	}
	if mp.nCell < 1 || mp.intKey != c.intKey {
		c.bt.releasePage(mp)
		return serrors.Corruptf(pgno, "child page is empty or of the wrong kind")
	}
	c.depth++
	c.pages[c.depth] = mp
	c.ix[c.depth] = 0
	return nil
}

// moveToParent pops the current page.
func (c *Cursor) moveToParent() {
	c.invalidateInfo()
	c.bt.releasePage(c.pages[c.depth])
	c.pages[c.depth] = nil
	c.depth--
}

func (c *Cursor) moveToLeftmost() error {
	for {
		p := c.page()
		if p.leaf {
			return nil
		}
		child, err := p.childAt(c.ix[c.depth])
		if err != nil {
			return err
		}
		if err := c.moveToChild(child); err != nil {
			return err
		}
	}
}

func (c *Cursor) moveToRightmost() error {
	for {
		p := c.page()
		if p.leaf {
			c.ix[c.depth] = p.nCell - 1
			return nil
		}
		c.ix[c.depth] = p.nCell
		if err := c.moveToChild(p.rightChild()); err != nil {
			return err
		}
	}
}

// First moves to the first entry. On an empty tree the cursor is left
// at EOF.
func (c *Cursor) First() error {
	c.btree.enter()
	defer c.btree.leave()
	return c.first()
}

func (c *Cursor) first() error {
	if err := c.moveToRoot(); err != nil {
		return err
	}
	if c.state != CursorValid {
		return nil
	}
	return c.moveToLeftmost()
}

// Last moves to the last entry.
func (c *Cursor) Last() error {
	c.btree.enter()
	defer c.btree.leave()
	return c.last()
}

func (c *Cursor) last() error {
	if c.state == CursorValid && c.atLast {
		return nil
	}
	if err := c.moveToRoot(); err != nil {
		return err
	}
	if c.state != CursorValid {
		return nil
	}
	if err := c.moveToRightmost(); err != nil {
		c.atLast = false
		return err
	}
	c.atLast = true
	return nil
}

// Eof reports whether the cursor points past the last entry (or before
// the first).
func (c *Cursor) Eof() bool {
	return c.state != CursorValid && c.state != CursorSkipNext && c.state != CursorRequireSeek
}

// Next moves to the next entry. Moving past the last entry leaves the
// cursor at EOF.
func (c *Cursor) Next() error {
	c.btree.enter()
	defer c.btree.leave()
	return c.next()
}

func (c *Cursor) next() error {
	c.invalidateInfo()
	if c.state == CursorValid {
		p := c.page()
		c.ix[c.depth]++
		if c.ix[c.depth] < p.nCell {
			if p.leaf {
				return nil
			}
			return c.moveToLeftmost()
		}
		c.ix[c.depth]--
	}
	return c.nextSlow()
}

func (c *Cursor) nextSlow() error {
	if c.state != CursorValid {
		if err := c.restore(); err != nil {
			return err
		}
		if c.state == CursorInvalid {
			return nil
		}
		if c.state == CursorSkipNext {
			c.state = CursorValid
			if c.skipNext > 0 {
				c.skipNext = 0
				return nil
			}
			c.skipNext = 0
		}
	}

	p := c.page()
	if !p.isInit {
		return serrors.Corruptf(p.pgno, "page not initialized")
	}
	c.ix[c.depth]++
	if c.ix[c.depth] >= p.nCell {
		if !p.leaf {
			if err := c.moveToChild(p.rightChild()); err != nil {
				return err
			}
			return c.moveToLeftmost()
		}
		for {
			if c.depth == 0 {
				c.state = CursorInvalid
				return nil
			}
			c.moveToParent()
			p = c.page()
			if c.ix[c.depth] < p.nCell {
				break
			}
		}
		if p.intKey {
			return c.next()
		}
		return nil
	}
	if p.leaf {
		return nil
	}
	return c.moveToLeftmost()
}

// Previous moves to the previous entry. Moving before the first entry
// leaves the cursor at EOF.
func (c *Cursor) Previous() error {
	c.btree.enter()
	defer c.btree.leave()
	return c.previous()
}

func (c *Cursor) previous() error {
	c.atLast = false
	c.invalidateInfo()
	if c.state == CursorValid && c.ix[c.depth] > 0 && c.page().leaf {
		c.ix[c.depth]--
		return nil
	}
	return c.previousSlow()
}

func (c *Cursor) previousSlow() error {
	if c.state != CursorValid {
		if err := c.restore(); err != nil {
			return err
		}
		if c.state == CursorInvalid {
			return nil
		}
		if c.state == CursorSkipNext {
			c.state = CursorValid
			if c.skipNext < 0 {
				c.skipNext = 0
				return nil
			}
			c.skipNext = 0
		}
	}

	p := c.page()
	if !p.leaf {
		child, err := p.childAt(c.ix[c.depth])
		if err != nil {
			return err
		}
		if err := c.moveToChild(child); err != nil {
			return err
		}
		return c.moveToRightmost()
	}
	for c.ix[c.depth] == 0 {
		if c.depth == 0 {
			c.state = CursorInvalid
			return nil
		}
		c.moveToParent()
	}
	c.ix[c.depth]--
	p = c.page()
	if p.intKey && !p.leaf {
		return c.previous()
	}
	return nil
}

// SeekRowid moves to the entry with the given rowid in a table tree. The
// result is 0 on an exact match; otherwise the cursor is left on a
// neighbouring entry and the result is negative if that entry is
// smaller than rowid and positive if larger. An empty table gives -1 and
// leaves the cursor at EOF.
func (c *Cursor) SeekRowid(rowid int64) (int, error) {
	c.btree.enter()
	defer c.btree.leave()
	return c.seekRowid(rowid, false)
}

func (c *Cursor) seekRowid(rowid int64, biasRight bool) (int, error) {
	if c.kindKnown && !c.intKey {
		return 0, serrors.NewMisuse("SeekRowid", "index tree")
	}
	if c.state == CursorValid && c.validInfo && c.page().leaf {
		if c.info.Key == rowid {
			return 0, nil
		}
		if c.info.Key < rowid {
			if c.atLast {
				return -1, nil
			}
			if c.info.Key+1 == rowid {
				if err := c.next(); err != nil {
					return 0, err
				}
				if c.state == CursorValid {
					if err := c.parseCurrent(); err != nil {
						return 0, err
					}
					if c.info.Key == rowid {
						return 0, nil
					}
				}
			}
		}
	}

	if err := c.moveToRoot(); err != nil {
		return 0, err
	}
	if c.state != CursorValid {
		return -1, nil
	}
	if !c.intKey {
		return 0, serrors.NewMisuse("SeekRowid", "index tree")
	}
	for {
		p := c.page()
		lwr, upr := 0, p.nCell-1
		idx := (lwr + upr) >> 1
		if biasRight {
			idx = upr
		}
		var cmp int
		for {
			info, err := p.cellAt(idx)
			if err != nil {
				return 0, err
			}
			switch {
			case info.Key < rowid:
				lwr = idx + 1
				cmp = -1
			case info.Key > rowid:
				upr = idx - 1
				cmp = 1
			default:
				c.ix[c.depth] = idx
				if p.leaf {
					c.info = info
					c.validInfo = true
					return 0, nil
				}
				lwr = idx
				upr = lwr - 1
				cmp = 0
			}
			if lwr > upr {
				break
			}
			idx = (lwr + upr) >> 1
		}
		if p.leaf {
			c.ix[c.depth] = idx
			return cmp, nil
		}
		child, err := p.childAt(lwr)
		if err != nil {
			return 0, err
		}
		c.ix[c.depth] = lwr
		if err := c.moveToChild(child); err != nil {
			return 0, err
		}
	}
}

// SeekIndex moves to the entry whose key equals key in an index tree,
// comparing whole keys bytewise. The result follows SeekRowid.
func (c *Cursor) SeekIndex(key []byte) (int, error) {
	c.btree.enter()
	defer c.btree.leave()
	return c.seekIndex(key)
}

func (c *Cursor) seekIndex(key []byte) (int, error) {
	if c.kindKnown && c.intKey {
		return 0, serrors.NewMisuse("SeekIndex", "table tree")
	}
	if err := c.moveToRoot(); err != nil {
		return 0, err
	}
	if c.state != CursorValid {
		return -1, nil
	}
	if c.intKey {
		return 0, serrors.NewMisuse("SeekIndex", "table tree")
	}
	for {
		p := c.page()
		lwr, upr := 0, p.nCell-1
		idx := (lwr + upr) >> 1
		var cmp int
		for {
			cellKey, err := c.bt.cellPayload(p, idx)
			if err != nil {
				return 0, err
			}
			cmp = bytes.Compare(cellKey, key)
			switch {
			case cmp < 0:
				lwr = idx + 1
			case cmp > 0:
				upr = idx - 1
			default:
				c.ix[c.depth] = idx
				return 0, nil
			}
			if lwr > upr {
				break
			}
			idx = (lwr + upr) >> 1
		}
		if p.leaf {
			c.ix[c.depth] = idx
			return cmp, nil
		}
		child, err := p.childAt(lwr)
		if err != nil {
			return 0, err
		}
		c.ix[c.depth] = lwr
		if err := c.moveToChild(child); err != nil {
			return 0, err
		}
	}
}

// cellPayload reads the full payload of cell idx on p.
func (bt *BtShared) cellPayload(p *MemPage, idx int) ([]byte, error) {
	cell := p.findCell(idx)
	info, err := p.parseCell(cell)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.PayloadSize)
	if err := bt.readPayload(p, cell, info, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// parseCurrent fills in the info of the current cell.
func (c *Cursor) parseCurrent() error {
	if c.validInfo {
		return nil
	}
	p := c.page()
	idx := c.ix[c.depth]
	if idx >= p.nCell {
		return serrors.Corruptf(p.pgno, "cursor index %d past %d cells", idx, p.nCell)
	}
	info, err := p.cellAt(idx)
	if err != nil {
		return err
	}
	c.info = info
	c.validInfo = true
	return nil
}

// saveKey records the key of the current entry.
func (c *Cursor) saveKey() error {
	if err := c.parseCurrent(); err != nil {
		return err
	}
	if c.intKey {
		c.savedRowid = c.info.Key
		c.savedKey = nil
		return nil
	}
	key, err := c.bt.cellPayload(c.page(), c.ix[c.depth])
	if err != nil {
		return err
	}
	c.savedKey = key
	return nil
}

// save records the position as a key and releases the pages.
func (c *Cursor) save() error {
	if c.state == CursorSkipNext {
		c.state = CursorValid
	} else {
		c.skipNext = 0
	}
	err := c.saveKey()
	if err == nil {
		c.releasePages()
		c.state = CursorRequireSeek
	}
	c.invalidateInfo()
	c.atLast = false
	return err
}

// saveAllCursors saves the position of every cursor on root (every
// cursor when root is 0) other than except, before the tree changes.
func (bt *BtShared) saveAllCursors(root Pgno, except *Cursor) error {
	for _, c := range bt.cursors {
		if c == except || (root != 0 && c.root != root) {
			continue
		}
		if c.state == CursorValid || c.state == CursorSkipNext {
			if err := c.save(); err != nil {
				return err
			}
		} else {
			c.releasePages()
		}
	}
	return nil
}

// restore re-seeks a cursor in REQUIRES_SEEK state. If the saved entry
// is gone the cursor lands on a neighbour in SKIPNEXT state.
func (c *Cursor) restore() error {
	if c.state < CursorRequireSeek {
		return nil
	}
	if c.state == CursorFault {
		return c.fault
	}
	c.state = CursorInvalid
	key, rowid := c.savedKey, c.savedRowid
	skip := c.skipNext
	c.skipNext = 0

	var res int
	var err error
	if c.intKey {
		res, err = c.seekRowid(rowid, false)
	} else {
		res, err = c.seekIndex(key)
	}
	if err != nil {
		return err
	}
	c.savedKey = nil
	if res != 0 {
		skip = res
	}
	c.skipNext = skip
	if c.skipNext != 0 && c.state == CursorValid {
		c.state = CursorSkipNext
	}
	return nil
}

// requireValid restores the cursor and fails unless it points to an
// entry.
func (c *Cursor) requireValid(op string) error {
	if err := c.restore(); err != nil {
		return err
	}
	if c.state == CursorSkipNext {
		c.state = CursorValid
		c.skipNext = 0
	}
	if c.state != CursorValid {
		return serrors.NewMisuse(op, "cursor not positioned")
	}
	return c.parseCurrent()
}

// Rowid returns the rowid of the current entry of a table tree.
func (c *Cursor) Rowid() (int64, error) {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.requireValid("Rowid"); err != nil {
		return 0, err
	}
	if !c.intKey {
		return 0, serrors.NewMisuse("Rowid", "index tree")
	}
	return c.info.Key, nil
}

// PayloadSize returns the payload size of the current entry.
func (c *Cursor) PayloadSize() (uint32, error) {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.requireValid("PayloadSize"); err != nil {
		return 0, err
	}
	return c.info.PayloadSize, nil
}

// Payload returns the payload of the current entry: the data of a table
// row or the key of an index entry.
func (c *Cursor) Payload() ([]byte, error) {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.requireValid("Payload"); err != nil {
		return nil, err
	}
	buf := make([]byte, c.info.PayloadSize)
	p := c.page()
	if err := c.bt.readPayload(p, p.findCell(c.ix[c.depth]), c.info, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadPayload copies part of the payload of the current entry into dst.
func (c *Cursor) ReadPayload(offset int, dst []byte) error {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.requireValid("ReadPayload"); err != nil {
		return err
	}
	p := c.page()
	return c.bt.readPayload(p, p.findCell(c.ix[c.depth]), c.info, offset, dst)
}

// Key returns the key of the current entry of an index tree.
func (c *Cursor) Key() ([]byte, error) {
	if c.kindKnown && c.intKey {
		return nil, serrors.NewMisuse("Key", "table tree")
	}
	return c.Payload()
}

// LastRowid returns the largest rowid in the table, or 0 if it is empty.
// The cursor is left on the last entry.
func (c *Cursor) LastRowid() (int64, error) {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.last(); err != nil {
		return 0, err
	}
	if c.state != CursorValid {
		return 0, nil
	}
	if !c.intKey {
		return 0, serrors.NewMisuse("LastRowid", "index tree")
	}
	if err := c.parseCurrent(); err != nil {
		return 0, err
	}
	return c.info.Key, nil
}

// NewRowid returns a rowid one larger than any in the table.
func (c *Cursor) NewRowid() (int64, error) {
	last, err := c.LastRowid()
	if err != nil {
		return 0, err
	}
	if last == 1<<63-1 {
		return 0, serrors.Wrap(serrors.ErrFull, "rowid space exhausted")
	}
	return last + 1, nil
}

// Depth returns the number of pages between the root and the current
// position, root included. It is 0 when no page is held.
func (c *Cursor) Depth() int {
	c.btree.enter()
	defer c.btree.leave()
	return c.depth + 1
}
