/*
Package btree implements SQLite-format B-trees on top of the pager.

A database file holds any number of trees, each identified by the page
number of its root. Table trees are keyed by a 64-bit rowid and keep
their data in the leaves; index trees are keyed by an arbitrary byte
string compared with bytes.Compare. Page 1 is always the root of a table
tree and carries the 100-byte file header in front of its b-tree header.

# Pages and Cells

Each b-tree page starts with an 8 or 12 byte header followed by an array
of 2-byte cell pointers. Cells are packed from the end of the page
toward the pointer array; the gap between them plus the freeblock chain
and fragmented bytes make up the free space. Payload that does not fit
on the page spills to a chain of overflow pages.

# Cursors

A Cursor walks one tree through a stack of pages from the root to a
leaf. It can be in one of five states:

	VALID         pointing at an entry
	INVALID       not pointing at anything
	SKIPNEXT      positioned next to a deleted entry
	REQUIRESEEK   position saved as a key, pages released
	FAULT         tripped by a rollback; returns its saved error

Before a tree is modified every other cursor on it saves its position
as a key and re-seeks on next use.

# Balancing

An insert that overflows a page, or a delete that leaves it less than a
third full, rebalances the page with up to two siblings. Appending to the
rightmost leaf of a table tree takes a short path that moves only the
new cell to a fresh page. A root that overflows is copied into a new
child, making the tree one level deeper.

# Auto-vacuum

In auto-vacuum databases pointer-map pages record the parent of every
page, so that pages can be moved and the file truncated at commit, or
step by step with IncrVacuum in incremental mode. Root pages are kept
at the front of the file.

# Shared Cache

Connections opened with SharedCache through the same Registry share one
BtShared, and so one pager and page cache. They coordinate with table
locks: READ or WRITE per root page, plus a lock on the schema table at
page 1 for every open transaction.
*/
package btree
