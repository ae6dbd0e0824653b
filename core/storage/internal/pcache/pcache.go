// Package pcache implements the page cache used by the pager.
//
// Pages live in an arena of slots owned by the cache. Two intrusive lists
// thread through the arena by slot index rather than by pointer:
//
//   - the LRU list holds unpinned clean pages, most recently released at
//     the head; eviction takes from the tail.
//   - the dirty list holds every dirty page, most recently dirtied at the
//     head. A synced hint tracks the oldest dirty page that can be written
//     without first syncing the journal.
//
// A page with a non-zero reference count is never evicted, and a dirty
// page is never evicted at all; when the cache is full of dirty pages the
// Stress callback is asked to write one out (a "spill") so that it can be
// reused. The cache has no mutex: the pager serialises access.
package pcache

import (
	"errors"
	"slices"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
)

// ErrPageNotResident is returned by Fetch when the page is not cached
// and creation was not requested.
var ErrPageNotResident = errors.New("page not resident")

// Flag records page state managed with the cache.
type Flag uint8

const (
	// FlagDirty marks a page that differs from the database file.
	FlagDirty Flag = 1 << iota
	// FlagNeedSync marks a dirty page whose pre-image is in the journal
	// but the journal has not been synced since it was written.
	FlagNeedSync
	// FlagDontWrite marks a dirty page that must not be written back.
	FlagDontWrite
)

const none int32 = -1

// Page is a cached database page. Data has exactly the cache's page
// size. Extra is reserved for the layer above the pager.
type Page struct {
	Pgno  uint32
	Data  []byte
	Extra any

	flags  Flag
	ref    int
	slot   int32
	orphan bool // truncated away while referenced
}

// IsDirty reports whether the page has unsaved changes.
func (p *Page) IsDirty() bool { return p.flags&FlagDirty != 0 }

// NeedSync reports whether the journal must be synced before writing p.
func (p *Page) NeedSync() bool { return p.flags&FlagNeedSync != 0 }

// DontWrite reports whether the page is excluded from write-back.
func (p *Page) DontWrite() bool { return p.flags&FlagDontWrite != 0 }

// Flags returns the raw flag bits.
func (p *Page) Flags() Flag { return p.flags }

// Refs returns the page's reference count.
func (p *Page) Refs() int { return p.ref }

type slot struct {
	page      Page
	inUse     bool
	lruPrev   int32
	lruNext   int32
	onLRU     bool
	dirtyPrev int32 // newer
	dirtyNext int32 // older
}

// Config configures a Cache.
type Config struct {
	PageSize int
	// CacheSize is the soft limit in pages. Above it, clean pages are
	// recycled and dirty ones spilled before the arena grows.
	CacheSize int
	// HardLimit caps the arena. Zero means no cap.
	HardLimit int
	// Stress writes a dirty, unreferenced page so it can be recycled. It
	// must leave the page clean on success.
	Stress func(*Page) error
}

// Stats contains cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Spills    int64
	Size      int
	MaxSize   int
	Dirty     int
}

// Cache is a page cache.
type Cache struct {
	cfg   Config
	table map[uint32]int32
	slots []*slot
	free  []int32

	lruHead, lruTail     int32
	dirtyHead, dirtyTail int32
	synced               int32

	nDirty int
	refSum int
	stats  Stats
}

// New creates an empty cache.
func New(cfg Config) (*Cache, error) {
	if cfg.PageSize <= 0 {
		return nil, serrors.NewValidation("PageSize", "must be positive")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 100
	}
	if cfg.HardLimit > 0 && cfg.HardLimit < cfg.CacheSize {
		return nil, serrors.NewValidation("HardLimit", "smaller than CacheSize")
	}
	return &Cache{
		cfg:       cfg,
		table:     make(map[uint32]int32),
		lruHead:   none,
		lruTail:   none,
		dirtyHead: none,
		dirtyTail: none,
		synced:    none,
	}, nil
}

// PageSize returns the size of every page buffer.
func (c *Cache) PageSize() int { return c.cfg.PageSize }

// SetPageSize changes the buffer size. The cache must be empty.
func (c *Cache) SetPageSize(n int) error {
	if len(c.table) != 0 {
		return serrors.NewMisuse("SetPageSize", "cache not empty")
	}
	c.cfg.PageSize = n
	c.slots = nil
	c.free = nil
	c.lruHead, c.lruTail = none, none
	return nil
}

// SetCacheSize changes the soft limit and releases surplus clean pages.
func (c *Cache) SetCacheSize(n int) {
	if n <= 0 {
		n = 1
	}
	c.cfg.CacheSize = n
	if c.cfg.HardLimit > 0 && c.cfg.HardLimit < n {
		c.cfg.HardLimit = n
	}
	c.Shrink()
}

// SetStress installs the spill callback.
func (c *Cache) SetStress(fn func(*Page) error) { c.cfg.Stress = fn }

// Fetch returns page pgno with its reference count incremented. A page
// that is not resident is created zero-filled when create is true;
// otherwise ErrPageNotResident is returned.
func (c *Cache) Fetch(pgno uint32, create bool) (*Page, error) {
	if pgno == 0 {
		return nil, serrors.NewMisuse("Fetch", "page 0")
	}
	if i, ok := c.table[pgno]; ok {
		c.stats.Hits++
		s := c.slots[i]
		c.pin(i, s)
		return &s.page, nil
	}
	c.stats.Misses++
	if !create {
		return nil, ErrPageNotResident
	}
	i, err := c.allocSlot()
	if err != nil {
		return nil, err
	}
	s := c.slots[i]
	s.inUse = true
	s.page.Pgno = pgno
	s.page.Extra = nil
	s.page.flags = 0
	s.page.ref = 1
	s.page.orphan = false
	clear(s.page.Data)
	c.table[pgno] = i
	c.refSum++
	return &s.page, nil
}

// Lookup returns the resident page pgno with a new reference, or nil.
func (c *Cache) Lookup(pgno uint32) *Page {
	i, ok := c.table[pgno]
	if !ok {
		return nil
	}
	s := c.slots[i]
	c.pin(i, s)
	return &s.page
}

func (c *Cache) pin(i int32, s *slot) {
	if s.onLRU {
		c.lruRemove(i)
	}
	s.page.ref++
	c.refSum++
}

// Ref adds a reference to a page the caller already holds.
func (c *Cache) Ref(p *Page) {
	p.ref++
	c.refSum++
}

// Unref drops one reference. A clean page reaching zero becomes
// eligible for eviction.
func (c *Cache) Unref(p *Page) {
	if p.ref <= 0 {
		return
	}
	p.ref--
	c.refSum--
	switch {
	case p.ref > 0:
	case p.orphan:
		c.release(p.slot)
	case !p.IsDirty():
		c.lruPush(p.slot)
	}
}

// MakeDirty moves p onto the dirty list.
func (c *Cache) MakeDirty(p *Page) {
	p.flags &^= FlagDontWrite
	if p.IsDirty() {
		return
	}
	p.flags |= FlagDirty
	c.dirtyPush(p.slot)
}

// MakeClean removes p from the dirty list.
func (c *Cache) MakeClean(p *Page) {
	if !p.IsDirty() {
		return
	}
	c.dirtyRemove(p.slot)
	p.flags &^= FlagDirty | FlagNeedSync | FlagDontWrite
	if p.ref == 0 {
		c.lruPush(p.slot)
	}
}

// CleanAll makes every dirty page clean.
func (c *Cache) CleanAll() {
	for c.dirtyHead != none {
		c.MakeClean(&c.slots[c.dirtyHead].page)
	}
}

// SetNeedSync marks a dirty page as requiring a journal sync first.
func (c *Cache) SetNeedSync(p *Page) {
	p.flags |= FlagNeedSync
}

// SetDontWrite excludes a dirty page from write-back.
func (c *Cache) SetDontWrite(p *Page) {
	if p.IsDirty() {
		p.flags |= FlagDontWrite
	}
}

// ClearSyncFlags clears FlagNeedSync on every page, after a journal sync.
func (c *Cache) ClearSyncFlags() {
	for i := c.dirtyHead; i != none; i = c.slots[i].dirtyNext {
		c.slots[i].page.flags &^= FlagNeedSync
	}
	c.synced = c.dirtyTail
}

// SyncedTail returns the oldest dirty page that does not need a journal
// sync before it is written, or nil.
func (c *Cache) SyncedTail() *Page {
	i := c.synced
	for i != none && c.slots[i].page.NeedSync() {
		i = c.slots[i].dirtyPrev
	}
	c.synced = i
	if i == none {
		return nil
	}
	return &c.slots[i].page
}

// Drop discards p without writing it. The caller's reference, which
// must be the only one, is consumed.
func (c *Cache) Drop(p *Page) {
	if p.IsDirty() {
		c.dirtyRemove(p.slot)
	}
	c.lruRemove(p.slot)
	c.refSum -= p.ref
	p.ref = 0
	c.release(p.slot)
}

// Move renumbers p. Any other page resident at newPgno is discarded.
func (c *Cache) Move(p *Page, newPgno uint32) {
	if other, ok := c.table[newPgno]; ok && other != p.slot {
		o := c.slots[other]
		if o.page.IsDirty() {
			c.dirtyRemove(other)
		}
		if o.onLRU {
			c.lruRemove(other)
		}
		c.refSum -= o.page.ref
		o.page.ref = 0
		c.release(other)
	}
	delete(c.table, p.Pgno)
	p.Pgno = newPgno
	c.table[newPgno] = p.slot
}

// Truncate discards every page numbered above pgno. Referenced pages are
// made clean and zeroed; they stay with their holders until released but
// can no longer be found by page number.
func (c *Cache) Truncate(pgno uint32) {
	for n, i := range c.table {
		if n <= pgno {
			continue
		}
		s := c.slots[i]
		if s.page.IsDirty() {
			c.dirtyRemove(i)
			s.page.flags &^= FlagDirty | FlagNeedSync | FlagDontWrite
		}
		if s.page.ref == 0 {
			c.lruRemove(i)
			c.release(i)
			continue
		}
		delete(c.table, n)
		clear(s.page.Data)
		s.page.orphan = true
	}
}

// Clear discards every unreferenced page.
func (c *Cache) Clear() { c.Truncate(0) }

// Shrink evicts clean pages until the cache is within its soft limit.
func (c *Cache) Shrink() {
	for len(c.table) > c.cfg.CacheSize && c.lruTail != none {
		i := c.lruTail
		c.lruRemove(i)
		c.release(i)
		c.stats.Evictions++
	}
}

// DirtyList returns the dirty pages that may be written, in page order.
func (c *Cache) DirtyList() []*Page {
	out := make([]*Page, 0, c.nDirty)
	for i := c.dirtyHead; i != none; i = c.slots[i].dirtyNext {
		p := &c.slots[i].page
		if !p.DontWrite() {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b *Page) int {
		switch {
		case a.Pgno < b.Pgno:
			return -1
		case a.Pgno > b.Pgno:
			return 1
		}
		return 0
	})
	return out
}

// Pages returns every resident page in no particular order.
func (c *Cache) Pages() []*Page {
	out := make([]*Page, 0, len(c.table))
	for _, i := range c.table {
		out = append(out, &c.slots[i].page)
	}
	return out
}

// RefCount returns the sum of all page reference counts.
func (c *Cache) RefCount() int { return c.refSum }

// Len returns the number of resident pages.
func (c *Cache) Len() int { return len(c.table) }

// DirtyCount returns the number of dirty pages.
func (c *Cache) DirtyCount() int { return c.nDirty }

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.Size = len(c.table)
	s.MaxSize = c.cfg.CacheSize
	s.Dirty = c.nDirty
	return s
}

// allocSlot finds a slot for a new page: a recycled clean page, a
// spilled dirty page, or fresh arena space.
func (c *Cache) allocSlot() (int32, error) {
	if len(c.table) >= c.cfg.CacheSize {
		if err := c.recycle(); err != nil {
			return none, err
		}
	}
	if len(c.free) > 0 {
		return c.takeFree(), nil
	}
	if c.cfg.HardLimit > 0 && len(c.table) >= c.cfg.HardLimit {
		return none, serrors.ErrNoMem
	}
	i := int32(len(c.slots))
	c.slots = append(c.slots, &slot{
		page:      Page{Data: make([]byte, c.cfg.PageSize), slot: i},
		lruPrev:   none,
		lruNext:   none,
		dirtyPrev: none,
		dirtyNext: none,
	})
	return i, nil
}

// recycle frees one slot, evicting the least recently used clean page or
// spilling a dirty one through the Stress callback.
func (c *Cache) recycle() error {
	if c.lruTail != none {
		i := c.lruTail
		c.lruRemove(i)
		c.release(i)
		c.stats.Evictions++
		return nil
	}
	if c.cfg.Stress == nil {
		return nil
	}
	victim := c.spillCandidate()
	if victim == nil {
		return nil
	}
	if err := c.cfg.Stress(victim); err != nil {
		return err
	}
	c.stats.Spills++
	// Making the victim clean may already have evicted it.
	if s := c.slots[victim.slot]; s.inUse && !victim.IsDirty() && victim.ref == 0 {
		c.lruRemove(victim.slot)
		c.release(victim.slot)
		c.stats.Evictions++
	}
	return nil
}

func (c *Cache) takeFree() int32 {
	i := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	return i
}

// spillCandidate prefers the oldest unreferenced dirty page that needs
// no journal sync, then any unreferenced dirty page.
func (c *Cache) spillCandidate() *Page {
	for i := c.synced; i != none; i = c.slots[i].dirtyPrev {
		p := &c.slots[i].page
		if p.ref == 0 && !p.NeedSync() {
			return p
		}
	}
	for i := c.dirtyTail; i != none; i = c.slots[i].dirtyPrev {
		p := &c.slots[i].page
		if p.ref == 0 {
			return p
		}
	}
	return nil
}

func (c *Cache) release(i int32) {
	s := c.slots[i]
	if j, ok := c.table[s.page.Pgno]; ok && j == i {
		delete(c.table, s.page.Pgno)
	}
	s.inUse = false
	s.page.orphan = false
	s.page.Extra = nil
	s.page.flags = 0
	s.page.ref = 0
	c.free = append(c.free, i)
}

func (c *Cache) lruPush(i int32) {
	s := c.slots[i]
	if s.onLRU {
		return
	}
	s.onLRU = true
	s.lruPrev = none
	s.lruNext = c.lruHead
	if c.lruHead != none {
		c.slots[c.lruHead].lruPrev = i
	}
	c.lruHead = i
	if c.lruTail == none {
		c.lruTail = i
	}
	c.Shrink()
}

func (c *Cache) lruRemove(i int32) {
	s := c.slots[i]
	if !s.onLRU {
		return
	}
	if s.lruPrev != none {
		c.slots[s.lruPrev].lruNext = s.lruNext
	} else {
		c.lruHead = s.lruNext
	}
	if s.lruNext != none {
		c.slots[s.lruNext].lruPrev = s.lruPrev
	} else {
		c.lruTail = s.lruPrev
	}
	s.lruPrev, s.lruNext = none, none
	s.onLRU = false
}

func (c *Cache) dirtyPush(i int32) {
	s := c.slots[i]
	s.dirtyPrev = none
	s.dirtyNext = c.dirtyHead
	if c.dirtyHead != none {
		c.slots[c.dirtyHead].dirtyPrev = i
	}
	c.dirtyHead = i
	if c.dirtyTail == none {
		c.dirtyTail = i
	}
	if c.synced == none && !s.page.NeedSync() {
		c.synced = i
	}
	c.nDirty++
}

func (c *Cache) dirtyRemove(i int32) {
	s := c.slots[i]
	if c.synced == i {
		j := s.dirtyPrev
		for j != none && c.slots[j].page.NeedSync() {
			j = c.slots[j].dirtyPrev
		}
		c.synced = j
	}
	if s.dirtyNext != none {
		c.slots[s.dirtyNext].dirtyPrev = s.dirtyPrev
	} else {
		c.dirtyTail = s.dirtyPrev
	}
	if s.dirtyPrev != none {
		c.slots[s.dirtyPrev].dirtyNext = s.dirtyNext
	} else {
		c.dirtyHead = s.dirtyNext
	}
	s.dirtyPrev, s.dirtyNext = none, none
	c.nDirty--
}
