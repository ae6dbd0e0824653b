/*
Package pager implements transactional page access to a database file.

The pager sits between the B-tree layer and the VFS. It hands out pages
from a pcache.Cache, filling them from the database file or the
write-ahead log, and makes every change atomic and durable through a
rollback journal or a WAL.

# Database File Format

Pages are fixed-size and numbered from 1. Page 1 begins with the 100-byte
file header described by DatabaseHeader. The page holding PendingByte is
never used for data.

# Pager States

A Pager moves through the following states:

	OPEN             no lock held, cache may be stale
	READER           SHARED lock held, cache validated
	WRITER_LOCKED    RESERVED lock held, nothing changed yet
	WRITER_CACHEMOD  journal open, pages changed in the cache only
	WRITER_DBMOD     journal synced, database file being written
	WRITER_FINISHED  phase one of commit complete
	ERROR            an I/O error left the file state unknown

Errors while a write transaction is open move the pager to ERROR. All
further operations return the stored error until Rollback succeeds.

# Rollback Journal

Before a page is first modified its original content is appended to the
journal "<db>-journal" as [pgno][data][checksum]. The journal is synced
before any database page is overwritten, so a crash at any point leaves
either an untouched database or a hot journal from which the next reader
restores it.

The journal header, record and master-journal formats are bit compatible
with SQLite.

# Write-Ahead Log

In WAL mode changed pages are appended to "<db>-wal" as frames and the
database file is only written by a checkpoint. There is no shared-memory
index: every connection keeps its own map from page number to the latest
committed frame and extends it at the start of each read transaction.

# Savepoints

Savepoints nest inside a write transaction. Rolling back to a savepoint
replays the part of the journal written since it was opened plus the
sub-journal, an in-memory file holding pages that were already journaled
before the savepoint and changed again after it.
*/
package pager
