package pager

import (
	"encoding/binary"
	"log/slog"
	"math/rand/v2"
	"slices"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

// WAL file format
const (
	walHeaderSize      = 32
	walFrameHeaderSize = 24
	walMagicLE         = 0x377f0682
	walMagicBE         = 0x377f0683
	walVersion         = 3007000
)

// wal is one connection's view of the write-ahead log. The frame index
// is private to the connection and is brought up to date at the start
// of every read transaction.
//
// File layout:
//
//	header  magic, version, page size, checkpoint sequence,
//	        salt-1, salt-2, checksum-1, checksum-2
//	frame   page number, database size after commit (0 if not a
//	        commit frame), salt-1, salt-2, checksum-1, checksum-2,
//	        page data
type wal struct {
	fs       vfs.VFS
	path     string
	f        vfs.File
	pageSize int
	log      *slog.Logger
	readOnly bool // open an existing log read-only; f is nil when there is none

	hdrValid  bool
	bigEndian bool
	ckptSeq   uint32
	salt1     uint32
	salt2     uint32
	hdrCksum  [2]uint32

	frames      []Pgno      // page number of frame i+1
	cksums      [][2]uint32 // running checksum through frame i+1
	index       map[Pgno]uint32
	commitFrame uint32 // last committed frame in the snapshot
	nPage       Pgno   // database size at commitFrame
	txnStart    uint32 // commitFrame when the write transaction began
	writing     bool
	buf         []byte
}

func (p *Pager) openWAL() error {
	if p.wal != nil {
		return nil
	}
	w := &wal{
		fs:       p.vfs,
		path:     p.walPath,
		pageSize: p.pageSize,
		log:      p.log,
		readOnly: p.readOnly,
		index:    make(map[Pgno]uint32),
	}
	if err := w.open(); err != nil {
		return err
	}
	p.wal = w
	p.journalMode = JournalWAL
	if p.state == StateReader {
		changed, err := w.beginRead()
		if err != nil {
			return err
		}
		if changed {
			p.reset()
		}
	}
	return nil
}

// OpenWAL switches the pager to WAL mode. It is used when the database
// header says the file is in WAL mode.
func (p *Pager) OpenWAL() error {
	if p.state > StateReader {
		return serrors.NewMisuse("OpenWAL", p.state.String())
	}
	return p.openWAL()
}

// UsesWAL reports whether the pager is in WAL mode.
func (p *Pager) UsesWAL() bool { return p.wal != nil }

// openWALIfPresent enters WAL mode when a log file exists. A log next
// to an empty database is stale and removed.
func (p *Pager) openWALIfPresent() error {
	if p.wal != nil {
		return nil
	}
	exists, err := p.vfs.Access(p.walPath)
	if err != nil || !exists {
		return err
	}
	n, err := p.filePages()
	if err != nil {
		return err
	}
	if n == 0 {
		return p.vfs.Delete(p.walPath, false)
	}
	return p.openWAL()
}

// closeWAL checkpoints and deletes the log if no other connection is
// using the database. With required set, failing to do so is an error.
func (p *Pager) closeWAL(required bool) error {
	if p.readOnly {
		p.wal.close()
		p.wal = nil
		p.reset()
		return nil
	}
	held := p.file.LockLevel()
	err := p.file.Lock(vfs.LockShared)
	if err == nil {
		err = p.file.Lock(vfs.LockExclusive)
	}
	if err == nil {
		if _, err = p.wal.beginRead(); err == nil {
			err = p.wal.checkpoint(p.file, p.syncMode)
		}
		if err == nil {
			p.wal.close()
			err = p.vfs.Delete(p.walPath, false)
		}
	}
	p.file.Unlock(held)
	if err != nil && !required {
		if serrors.IsBusy(err) {
			err = nil
		}
		p.wal.close()
	}
	if err == nil || !required {
		p.wal = nil
		p.reset()
	}
	return err
}

func (w *wal) open() error {
	flags := vfs.OpenReadWrite | vfs.OpenCreate | vfs.OpenWAL
	if w.readOnly {
		exists, err := w.fs.Access(w.path)
		if err != nil || !exists {
			return err
		}
		flags = vfs.OpenReadOnly | vfs.OpenWAL
	}
	f, err := w.fs.Open(w.path, flags)
	if err != nil {
		return err
	}
	w.f = f
	return nil
}

func (w *wal) close() {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
}

func (w *wal) setPageSize(n int) {
	w.pageSize = n
	w.resetIndex()
}

func (w *wal) frameOffset(frame uint32) int64 {
	return walHeaderSize + int64(frame-1)*int64(walFrameHeaderSize+w.pageSize)
}

func (w *wal) resetIndex() {
	w.frames = w.frames[:0]
	w.cksums = w.cksums[:0]
	clear(w.index)
	w.commitFrame = 0
	w.nPage = 0
}

// beginRead reopens the log, since another connection may have deleted
// and recreated it, and loads frames committed since the last read. It
// reports whether the snapshot differs from the previous one.
func (w *wal) beginRead() (bool, error) {
	w.close()
	if err := w.open(); err != nil {
		return false, err
	}
	return w.refresh()
}

// refresh brings the frame index up to date with the file.
func (w *wal) refresh() (bool, error) {
	had := w.commitFrame > 0
	if w.f == nil {
		w.hdrValid = false
		w.resetIndex()
		return had, nil
	}
	size, err := w.f.Size()
	if err != nil {
		return false, err
	}
	if size < walHeaderSize {
		w.hdrValid = false
		w.resetIndex()
		return had, nil
	}

	var hdr [walHeaderSize]byte
	if _, err := w.f.ReadAt(hdr[:], 0); err != nil {
		return false, err
	}
	ok, bigEndian := w.parseHeader(hdr[:])
	if !ok {
		w.hdrValid = false
		w.resetIndex()
		return had, nil
	}
	changed := false
	if !w.hdrValid || get32(hdr[16:]) != w.salt1 || get32(hdr[20:]) != w.salt2 || get32(hdr[12:]) != w.ckptSeq {
		changed = had
		w.resetIndex()
		w.bigEndian = bigEndian
		w.ckptSeq = get32(hdr[12:])
		w.salt1 = get32(hdr[16:])
		w.salt2 = get32(hdr[20:])
		w.hdrCksum = [2]uint32{get32(hdr[24:]), get32(hdr[28:])}
		w.hdrValid = true
	}

	frames, cks, nPage, err := w.scan(size)
	if err != nil {
		return false, err
	}
	if len(frames) > 0 {
		changed = true
		for i, pgno := range frames {
			w.frames = append(w.frames, pgno)
			w.cksums = append(w.cksums, cks[i])
			w.index[pgno] = uint32(len(w.frames))
		}
		w.commitFrame = uint32(len(w.frames))
		w.nPage = nPage
	}
	return changed, nil
}

// parseHeader validates a WAL header.
func (w *wal) parseHeader(hdr []byte) (ok, bigEndian bool) {
	magic := get32(hdr)
	if magic != walMagicLE && magic != walMagicBE {
		return false, false
	}
	if get32(hdr[4:]) != walVersion || int(get32(hdr[8:])) != w.pageSize {
		return false, false
	}
	bigEndian = magic&1 == 1
	sum := walChecksum(bigEndian, hdr[:24], [2]uint32{})
	if sum[0] != get32(hdr[24:]) || sum[1] != get32(hdr[28:]) {
		return false, false
	}
	return true, bigEndian
}

// scan reads the valid frames following the snapshot and returns those
// up to and including the last commit frame.
func (w *wal) scan(size int64) (frames []Pgno, cks [][2]uint32, nPage Pgno, err error) {
	frameSize := int64(walFrameHeaderSize + w.pageSize)
	if len(w.buf) != int(frameSize) {
		w.buf = make([]byte, frameSize)
	}
	sum := w.lastCksum()
	var pending []Pgno
	var pendingCks [][2]uint32
	next := uint32(len(w.frames)) + 1
	for off := w.frameOffset(next); off+frameSize <= size; off += frameSize {
		if _, err := w.f.ReadAt(w.buf, off); err != nil {
			return nil, nil, 0, err
		}
		pgno := get32(w.buf[0:])
		commit := get32(w.buf[4:])
		if pgno == 0 || get32(w.buf[8:]) != w.salt1 || get32(w.buf[12:]) != w.salt2 {
			break
		}
		sum = walChecksum(w.bigEndian, w.buf[:8], sum)
		sum = walChecksum(w.bigEndian, w.buf[walFrameHeaderSize:], sum)
		if sum[0] != get32(w.buf[16:]) || sum[1] != get32(w.buf[20:]) {
			break
		}
		pending = append(pending, pgno)
		pendingCks = append(pendingCks, sum)
		if commit != 0 {
			frames = append(frames, pending...)
			cks = append(cks, pendingCks...)
			nPage = commit
			pending, pendingCks = pending[:0], pendingCks[:0]
		}
	}
	return frames, cks, nPage, nil
}

func (w *wal) lastCksum() [2]uint32 {
	if n := len(w.cksums); n > 0 {
		return w.cksums[n-1]
	}
	return w.hdrCksum
}

// walChecksum folds b, a multiple of 8 bytes, into the running checksum.
func walChecksum(bigEndian bool, b []byte, s [2]uint32) [2]uint32 {
	var order binary.ByteOrder = binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}
	s1, s2 := s[0], s[1]
	for i := 0; i+8 <= len(b); i += 8 {
		s1 += order.Uint32(b[i:]) + s2
		s2 += order.Uint32(b[i+4:]) + s1
	}
	return [2]uint32{s1, s2}
}

// beginWrite fails with ErrBusy if another connection committed after
// this snapshot was taken.
func (w *wal) beginWrite() error {
	size, err := w.f.Size()
	if err != nil {
		return err
	}
	if size >= walHeaderSize {
		var hdr [walHeaderSize]byte
		if _, err := w.f.ReadAt(hdr[:], 0); err != nil {
			return err
		}
		if ok, _ := w.parseHeader(hdr[:]); ok {
			if !w.hdrValid || get32(hdr[16:]) != w.salt1 || get32(hdr[20:]) != w.salt2 {
				return serrors.NewBusy(w.path, "snapshot", 0)
			}
			frames, _, _, err := w.scan(size)
			if err != nil {
				return err
			}
			if len(frames) > 0 {
				return serrors.NewBusy(w.path, "snapshot", 0)
			}
		}
	} else if w.commitFrame > 0 {
		return serrors.NewBusy(w.path, "snapshot", 0)
	}
	w.writing = true
	w.txnStart = w.commitFrame
	return nil
}

func (w *wal) endWrite() {
	if !w.writing {
		return
	}
	if uint32(len(w.frames)) > w.commitFrame {
		w.truncateTo(w.commitFrame)
	}
	w.writing = false
}

// writeHeader starts a new log generation.
func (w *wal) writeHeader(sync SyncMode) error {
	if w.hdrValid {
		w.salt1++
	} else {
		w.salt1 = rand.Uint32()
	}
	w.ckptSeq++
	w.salt2 = rand.Uint32()
	w.bigEndian = false

	var hdr [walHeaderSize]byte
	put32(hdr[0:], walMagicLE)
	put32(hdr[4:], walVersion)
	put32(hdr[8:], uint32(w.pageSize))
	put32(hdr[12:], w.ckptSeq)
	put32(hdr[16:], w.salt1)
	put32(hdr[20:], w.salt2)
	w.hdrCksum = walChecksum(false, hdr[:24], [2]uint32{})
	put32(hdr[24:], w.hdrCksum[0])
	put32(hdr[28:], w.hdrCksum[1])
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	if err := w.f.Truncate(walHeaderSize); err != nil {
		return err
	}
	w.hdrValid = true
	if sync != SyncOff {
		return w.f.Sync(vfs.SyncNormal)
	}
	return nil
}

// writeFrames appends one frame per page. When commit is set the last
// frame is a commit frame recording dbSize.
func (w *wal) writeFrames(pages []*Page, dbSize Pgno, commit bool, sync SyncMode) error {
	if len(w.frames) == 0 {
		if err := w.writeHeader(sync); err != nil {
			return err
		}
	}
	frameSize := walFrameHeaderSize + w.pageSize
	if len(w.buf) != frameSize {
		w.buf = make([]byte, frameSize)
	}
	sum := w.lastCksum()
	for i, pg := range pages {
		frame := uint32(len(w.frames)) + 1
		var commitSize Pgno
		if commit && i == len(pages)-1 {
			commitSize = dbSize
		}
		put32(w.buf[0:], pg.Pgno)
		put32(w.buf[4:], commitSize)
		put32(w.buf[8:], w.salt1)
		put32(w.buf[12:], w.salt2)
		copy(w.buf[walFrameHeaderSize:], pg.Data)
		sum = walChecksum(w.bigEndian, w.buf[:8], sum)
		sum = walChecksum(w.bigEndian, w.buf[walFrameHeaderSize:], sum)
		put32(w.buf[16:], sum[0])
		put32(w.buf[20:], sum[1])
		if _, err := w.f.WriteAt(w.buf, w.frameOffset(frame)); err != nil {
			return err
		}
		w.frames = append(w.frames, pg.Pgno)
		w.cksums = append(w.cksums, sum)
		w.index[pg.Pgno] = frame
	}
	if commit {
		if sync == SyncFull {
			if err := w.f.Sync(vfs.SyncFull); err != nil {
				return err
			}
		}
		w.commitFrame = uint32(len(w.frames))
		w.nPage = dbSize
	}
	return nil
}

func (w *wal) mark() uint32 { return uint32(len(w.frames)) }

// undoTo discards frames after mark and calls undo for every page whose
// latest frame was discarded.
func (w *wal) undoTo(mark uint32, undo func(Pgno) error) error {
	if mark >= uint32(len(w.frames)) {
		return nil
	}
	pages := slices.Clone(w.frames[mark:])
	slices.Sort(pages)
	pages = slices.Compact(pages)
	w.truncateTo(mark)
	for _, pgno := range pages {
		if err := undo(pgno); err != nil {
			return err
		}
	}
	return nil
}

func (w *wal) truncateTo(mark uint32) {
	for _, pgno := range w.frames[mark:] {
		delete(w.index, pgno)
	}
	w.frames = w.frames[:mark]
	w.cksums = w.cksums[:mark]
	for i, pgno := range w.frames {
		if _, ok := w.index[pgno]; !ok || w.index[pgno] < uint32(i+1) {
			w.index[pgno] = uint32(i + 1)
		}
	}
}

// find returns the latest frame holding pgno, or 0.
func (w *wal) find(pgno Pgno) uint32 { return w.index[pgno] }

func (w *wal) readFrame(frame uint32, data []byte) error {
	_, err := w.f.ReadAt(data, w.frameOffset(frame)+walFrameHeaderSize)
	return err
}

func (w *wal) frameCount() uint32 { return w.commitFrame }

// dbSize returns the database size recorded by the last commit frame,
// or 0 when the log holds no commit.
func (w *wal) dbSize() Pgno {
	if w.commitFrame == 0 {
		return 0
	}
	return w.nPage
}

// checkpoint copies the latest committed version of every page into the
// database file and empties the log. The caller holds an EXCLUSIVE lock.
func (w *wal) checkpoint(db vfs.File, sync SyncMode) error {
	if w.commitFrame == 0 {
		return nil
	}
	pages := make([]Pgno, 0, len(w.index))
	for pgno, frame := range w.index {
		if frame <= w.commitFrame {
			pages = append(pages, pgno)
		}
	}
	slices.Sort(pages)

	buf := make([]byte, w.pageSize)
	for _, pgno := range pages {
		if pgno > w.nPage {
			continue
		}
		if err := w.readFrame(w.index[pgno], buf); err != nil {
			return err
		}
		if _, err := db.WriteAt(buf, int64(pgno-1)*int64(w.pageSize)); err != nil {
			return err
		}
	}
	if err := db.Truncate(int64(w.nPage) * int64(w.pageSize)); err != nil {
		return err
	}
	if sync != SyncOff {
		if err := db.Sync(vfs.SyncFull); err != nil {
			return err
		}
	}
	if err := w.f.Truncate(0); err != nil {
		return err
	}
	if sync != SyncOff {
		if err := w.f.Sync(vfs.SyncNormal); err != nil {
			return err
		}
	}
	logging.Checkpoint(w.log, w.path, int(w.commitFrame), len(pages))
	w.resetIndex()
	w.hdrValid = true // keep the salts for the next generation
	return nil
}
