package pager

import (
	"bytes"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

// journalMagic starts every synced journal header.
var journalMagic = [8]byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd7}

const maxMasterName = 4096

// checksum is the journal record checksum: the header nonce plus one
// byte every 200 bytes of the page.
func (p *Pager) checksum(data []byte) uint32 {
	sum := p.cksumInit
	for i := p.pageSize - 200; i > 0; i -= 200 {
		sum += uint32(data[i])
	}
	return sum
}

// journalHdrOffset returns the first sector boundary at or after the
// end of the journal content.
func (p *Pager) journalHdrOffset() int64 {
	off := p.journalOff
	if off == 0 {
		return 0
	}
	s := int64(p.sectorSize)
	return ((off-1)/s + 1) * s
}

// writeJournalHdr starts a new journal segment:
//
//	0  magic (zero until synced)
//	8  record count
//	12 checksum nonce
//	16 database size in pages before the transaction
//	20 sector size
//	24 page size
//
// The header is padded to a full sector.
func (p *Pager) writeJournalHdr() error {
	end := p.journalOff
	p.journalHdr = p.journalHdrOffset()
	p.journalOff = p.journalHdr
	for _, sp := range p.savepoints {
		if sp.hdrOffset == 0 {
			sp.hdrOffset = p.journalOff
			sp.segEnd = end
		}
	}

	hdr := make([]byte, p.sectorSize)
	dc := p.file.DeviceCharacteristics()
	if p.syncMode == SyncOff || p.journalMode == JournalMemory || dc&vfs.IOCapSafeAppend != 0 {
		copy(hdr, journalMagic[:])
		put32(hdr[8:], 0xffffffff)
	}
	p.cksumInit = rand.Uint32()
	put32(hdr[12:], p.cksumInit)
	put32(hdr[16:], p.dbOrigSize)
	put32(hdr[20:], uint32(p.sectorSize))
	put32(hdr[24:], uint32(p.pageSize))
	if _, err := p.jfd.WriteAt(hdr, p.journalOff); err != nil {
		return err
	}
	p.journalOff += int64(len(hdr))
	return nil
}

// syncJournal makes every journal record durable before database pages
// are overwritten. With newHdr a fresh segment is started so that
// records written after the sync are never counted by the old header.
func (p *Pager) syncJournal(newHdr bool) error {
	if p.jfd != nil && p.journalMode != JournalMemory {
		dc := p.file.DeviceCharacteristics()
		if p.syncMode != SyncOff {
			if dc&vfs.IOCapSafeAppend == 0 {
				// A valid header left over from an older, longer journal
				// must not be mistaken for the next segment.
				next := p.journalHdrOffset()
				var magic [8]byte
				if _, err := p.jfd.ReadAt(magic[:], next); err == nil && magic == journalMagic {
					if _, err := p.jfd.WriteAt([]byte{0}, next); err != nil {
						return err
					}
				}
				if p.syncMode == SyncFull && dc&vfs.IOCapSequential == 0 {
					if err := p.jfd.Sync(p.syncFlags()); err != nil {
						return err
					}
				}
				var hdr [12]byte
				copy(hdr[:], journalMagic[:])
				put32(hdr[8:], uint32(p.nRec))
				if _, err := p.jfd.WriteAt(hdr[:], p.journalHdr); err != nil {
					return err
				}
			}
			if dc&vfs.IOCapSequential == 0 {
				flags := p.syncFlags()
				if flags == vfs.SyncFull {
					flags |= vfs.SyncDataOnly
				}
				if err := p.jfd.Sync(flags); err != nil {
					return err
				}
			}
			p.journalHdr = p.journalOff
			if newHdr && dc&vfs.IOCapSafeAppend == 0 {
				p.nRec = 0
				if err := p.writeJournalHdr(); err != nil {
					return err
				}
			}
		} else {
			p.journalHdr = p.journalOff
		}
	}
	p.cache.ClearSyncFlags()
	p.setState(StateWriterDbMod)
	return nil
}

// readJournalHdr reads the header at the next sector boundary. It
// returns ErrDone when there is no further valid segment.
func (p *Pager) readJournalHdr(isHot bool, szJ int64) (nRec uint32, mxPg Pgno, err error) {
	p.journalOff = p.journalHdrOffset()
	if p.journalOff+int64(p.sectorSize) > szJ {
		return 0, 0, serrors.ErrDone
	}
	hdrOff := p.journalOff
	var hdr [28]byte
	if _, err := p.jfd.ReadAt(hdr[:], hdrOff); err != nil {
		if serrors.Is(err, serrors.ErrShortRead) {
			return 0, 0, serrors.ErrDone
		}
		return 0, 0, err
	}
	// The last segment of a journal we are still writing has not been
	// synced and so has no magic yet.
	if isHot || hdrOff != p.journalHdr {
		if !bytes.Equal(hdr[:8], journalMagic[:]) {
			return 0, 0, serrors.ErrDone
		}
	}
	nRec = get32(hdr[8:])
	p.cksumInit = get32(hdr[12:])
	mxPg = get32(hdr[16:])

	if hdrOff == 0 {
		sector := int(get32(hdr[20:]))
		ps := int(get32(hdr[24:]))
		if ps == 0 {
			ps = p.pageSize
		}
		if !IsValidPageSize(ps) || sector < 32 || sector > MaxSectorSize || sector&(sector-1) != 0 {
			return 0, 0, serrors.ErrDone
		}
		if ps != p.pageSize {
			if p.cache.RefCount() != 0 {
				return 0, 0, serrors.ErrDone
			}
			p.cache.Clear()
			if err := p.cache.SetPageSize(ps); err != nil {
				return 0, 0, err
			}
			p.pageSize = ps
			p.allocBuffers()
		}
		p.sectorSize = sector
	}
	p.journalOff += int64(p.sectorSize)
	return nRec, mxPg, nil
}

// playback rolls the database back from the journal. isHot is set when
// recovering a journal left by a crashed connection.
func (p *Pager) playback(isHot bool) error {
	szJ, err := p.jfd.Size()
	if err != nil {
		return err
	}
	master, err := readMasterJournal(p.jfd)
	if err != nil {
		return err
	}
	replay := true
	if master != "" {
		// A missing master journal means the multi-file transaction
		// committed.
		exists, err := p.vfs.Access(master)
		if err != nil {
			return err
		}
		replay = exists
	}

	recSize := int64(p.pageSize + 8)
	p.journalOff = 0
	needReset := isHot
	played := 0
	var perr error
	if replay {
	segments:
		for {
			nRec, mxPg, err := p.readJournalHdr(isHot, szJ)
			if err != nil {
				if !serrors.Is(err, serrors.ErrDone) {
					perr = err
				}
				break
			}
			recSize = int64(p.pageSize + 8)
			if nRec == 0xffffffff {
				nRec = uint32((szJ - p.journalOff) / recSize)
			}
			if nRec == 0 && !isHot && p.journalHdr+int64(p.sectorSize) == p.journalOff {
				nRec = uint32((szJ - p.journalOff) / recSize)
			}
			if p.journalOff == int64(p.sectorSize) {
				if perr = p.truncateFile(mxPg); perr != nil {
					break
				}
				p.dbSize = mxPg
			}
			for u := uint32(0); u < nRec; u++ {
				if needReset {
					p.reset()
					needReset = false
				}
				err := p.playbackOne(p.jfd, &p.journalOff, nil, true, false)
				if err == nil {
					played++
					continue
				}
				if serrors.Is(err, serrors.ErrDone) || serrors.Is(err, serrors.ErrShortRead) {
					p.journalOff = szJ
					break
				}
				perr = err
				break segments
			}
		}
	}

	if perr == nil && (p.state >= StateWriterDbMod || p.state == StateOpen) {
		perr = p.syncDB()
	}
	if perr == nil {
		perr = p.endTransaction(master != "", false)
	}
	if perr == nil && master != "" && replay {
		perr = p.deleteMaster(master)
	}
	if isHot {
		logging.Recovery(p.log, p.path, "journal", played, "master", master != "")
	}
	p.setSectorSize()
	return perr
}

// playbackOne restores one journal or sub-journal record at *off and
// advances *off past it. done collects the pages restored so far and
// may be nil. ErrDone marks the end of valid records. Checksums are not
// verified for savepoint rollback, whose records may belong to an
// earlier journal segment.
func (p *Pager) playbackOne(f vfs.File, off *int64, done *roaring.Bitmap, isMain, isSavepoint bool) error {
	ps := p.pageSize
	n := ps + 4
	if isMain {
		n += 4
	}
	rec := p.pbuf[:n]
	if _, err := f.ReadAt(rec, *off); err != nil {
		return err
	}
	*off += int64(n)

	pgno := get32(rec)
	data := rec[4 : 4+ps]
	if pgno == 0 || pgno == p.pendingBytePage() {
		return serrors.ErrDone
	}
	if pgno > p.dbSize || (done != nil && done.Contains(pgno)) {
		return nil
	}
	if isMain && !isSavepoint && p.checksum(data) != get32(rec[4+ps:]) {
		return serrors.ErrDone
	}
	if done != nil {
		done.Add(pgno)
	}

	var pg *Page
	if p.wal == nil {
		pg = p.cache.Lookup(pgno)
	}
	var synced bool
	if isMain {
		synced = p.syncMode == SyncOff || *off <= p.journalHdr
	} else {
		synced = pg == nil || !pg.NeedSync()
	}

	if (p.state >= StateWriterDbMod || p.state == StateOpen) && synced {
		if _, err := p.file.WriteAt(data, int64(pgno-1)*int64(ps)); err != nil {
			if pg != nil {
				p.cache.Unref(pg)
			}
			return err
		}
		if pgno > p.dbFileSize {
			p.dbFileSize = pgno
		}
	} else if !isMain && pg == nil {
		// A sub-journal page must be restored in the cache even if the
		// cache let it go.
		p.noSpill |= spillRollback
		q, err := p.Get(pgno)
		p.noSpill &^= spillRollback
		if err != nil {
			return err
		}
		p.cache.MakeDirty(q)
		pg = q
	}

	if pg != nil {
		copy(pg.Data, data)
		if p.reiniter != nil {
			p.reiniter(pg)
		}
		if pgno == 1 {
			copy(p.fileVersion[:], data[24:40])
		}
		p.cache.Unref(pg)
	}
	return nil
}

// hasHotJournal reports whether a journal left by a crashed writer
// needs to be rolled back.
func (p *Pager) hasHotJournal() (bool, error) {
	exists, err := p.vfs.Access(p.journalPath)
	if err != nil || !exists {
		return false, err
	}
	locked, err := p.file.CheckReservedLock()
	if err != nil || locked {
		return false, err
	}
	n, err := p.filePages()
	if err != nil {
		return false, err
	}
	if n == 0 && p.jfd == nil {
		// Nothing to restore into; the journal is stale.
		if p.file.Lock(vfs.LockReserved) == nil {
			p.vfs.Delete(p.journalPath, false)
			if p.lockingMode != LockingExclusive {
				p.file.Unlock(vfs.LockShared)
			}
		}
		return false, nil
	}

	f := p.jfd
	if f == nil {
		f, err = p.vfs.Open(p.journalPath, vfs.OpenReadOnly|vfs.OpenMainJournal)
		if err != nil {
			// Assume it is hot; recovery rechecks.
			return true, nil
		}
		defer f.Close()
	}
	var first [1]byte
	if _, err := f.ReadAt(first[:], 0); err != nil && !serrors.Is(err, serrors.ErrShortRead) {
		return false, err
	}
	return first[0] != 0, nil
}

// syncHotJournal makes sure a hot journal is durable before it is
// played back into the database file.
func (p *Pager) syncHotJournal() error {
	if p.syncMode != SyncOff {
		if err := p.jfd.Sync(vfs.SyncNormal); err != nil {
			return err
		}
	}
	size, err := p.jfd.Size()
	if err != nil {
		return err
	}
	p.journalHdr = size
	return nil
}

// writeMasterJournal records the master journal name at the end of the
// journal:
//
//	[pending byte page][name][name length][name checksum][magic]
func (p *Pager) writeMasterJournal(master string) error {
	if master == "" || p.jfd == nil || p.journalMode == JournalMemory || p.setMaster {
		return nil
	}
	p.setMaster = true
	if p.syncMode == SyncFull {
		p.journalOff = p.journalHdrOffset()
	}
	var sum uint32
	for i := 0; i < len(master); i++ {
		sum += uint32(master[i])
	}
	buf := make([]byte, 4+len(master)+16)
	put32(buf, p.pendingBytePage())
	copy(buf[4:], master)
	put32(buf[4+len(master):], uint32(len(master)))
	put32(buf[8+len(master):], sum)
	copy(buf[12+len(master):], journalMagic[:])
	if _, err := p.jfd.WriteAt(buf, p.journalOff); err != nil {
		return err
	}
	p.journalOff += int64(len(buf))

	size, err := p.jfd.Size()
	if err != nil {
		return err
	}
	if size > p.journalOff {
		return p.jfd.Truncate(p.journalOff)
	}
	return nil
}

// readMasterJournal returns the master journal named at the end of a
// journal, or "".
func readMasterJournal(f vfs.File) (string, error) {
	size, err := f.Size()
	if err != nil || size < 16 {
		return "", err
	}
	var tail [16]byte
	if _, err := f.ReadAt(tail[:], size-16); err != nil {
		return "", err
	}
	n := int64(get32(tail[0:]))
	sum := get32(tail[4:])
	if !bytes.Equal(tail[8:], journalMagic[:]) || n == 0 || n > size-16 || n >= maxMasterName {
		return "", nil
	}
	name := make([]byte, n)
	if _, err := f.ReadAt(name, size-16-n); err != nil {
		return "", err
	}
	var got uint32
	for _, c := range name {
		got += uint32(c)
	}
	if got != sum {
		return "", nil
	}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name), nil
}

// deleteMaster removes a master journal once no child journal refers to
// it any more. The master journal is a NUL-separated list of the child
// journal names.
func (p *Pager) deleteMaster(master string) error {
	f, err := p.vfs.Open(master, vfs.OpenReadOnly|vfs.OpenMasterJournal)
	if err != nil {
		return err
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return err
	}
	list := make([]byte, size)
	_, err = f.ReadAt(list, 0)
	f.Close()
	if err != nil {
		return err
	}

	for _, child := range bytes.Split(list, []byte{0}) {
		if len(child) == 0 {
			continue
		}
		exists, err := p.vfs.Access(string(child))
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		cf, err := p.vfs.Open(string(child), vfs.OpenReadOnly|vfs.OpenMainJournal)
		if err != nil {
			return err
		}
		m, err := readMasterJournal(cf)
		cf.Close()
		if err != nil {
			return err
		}
		if m == master {
			return nil
		}
	}
	return p.vfs.Delete(master, false)
}
