package session

import (
	"fmt"

	"github.com/Zerofisher/capfile/capture"
	"github.com/Zerofisher/capfile/dissect"
	"github.com/Zerofisher/capfile/frame"
)

// ReadStatus is the outcome of a read-like pass.
type ReadStatus int

const (
	// ReadOK: the pass completed.
	ReadOK ReadStatus = iota
	// ReadError: the pass ended early on an error or the record ceiling;
	// everything processed up to that point is kept and usable.
	ReadError
	// ReadAborted: the user stopped the pass, or closed the file out from
	// under it.
	ReadAborted
)

// Read performs the initial sequential load of the open file: every record
// is read once, optionally screened by the read filter, indexed, dissected
// and fed to the filter, the row sink and the taps. reloading selects the
// reload event pair instead of the read one.
//
// Re-entrant calls are rejected; a rescan requested while the read runs is
// queued and executed once at the end.
func (cf *CaptureFile) Read(reloading bool) (ReadStatus, error) {
	if cf.readLock {
		cf.log.Warn("read attempted while a pass is running")
		return ReadError, ErrReadInProgress
	}
	if cf.State() == StateClosed {
		return ReadError, ErrClosed
	}
	if cf.State() == StateReadDone {
		cf.fire(triggerReread)
	}
	cf.readLock = true

	started, finished := EventReadStarted, EventReadFinished
	if reloading {
		started, finished = EventReloadStarted, EventReloadFinished
	}
	cf.fireEvent(started, cf.filename)
	cf.beginPass()
	cf.closeOnStop = false

	wantTree := cf.dfilter != nil || cf.taps.NeedsTree()
	cf.taps.Reset()
	cf.dissector.Reset()
	if cf.rows != nil {
		cf.rows.RowsCleared()
	}
	cf.clearViewState()

	size := cf.src.Size()
	var readErr error
	for {
		if cf.stop.Load() {
			break
		}
		rec, err := cf.src.ReadNext()
		if err == capture.ErrEOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		if cf.frames.Len() >= cf.maxRecords {
			readErr = fmt.Errorf("%w (%d)", ErrTooManyRecords, cf.maxRecords)
			break
		}
		cf.readRecord(rec, wantTree)
		cf.emitProgress("Reading", cf.src.ReadSoFar(), size)
	}

	if cf.closeOnStop {
		// The file was closed during the read. Finish the abort here so the
		// caller gets a clean close instead of a half-loaded session.
		cf.fire(triggerAbort)
		cf.readLock = false
		cf.closeOnStop = false
		cf.Close()
		return ReadAborted, nil
	}

	cf.fire(triggerFinish)
	if cf.currentNum == 0 && cf.firstDisplayed != 0 {
		if err := cf.SelectFrame(cf.firstDisplayed); err != nil {
			cf.log.WithError(err).Warn("selecting first displayed frame")
		}
	}
	cf.fireEvent(finished, cf.filename)
	cf.readLock = false

	if cf.pending != RescanNone {
		cf.rescanPackets(cf.pending == RescanRedissect)
	}

	switch {
	case readErr != nil:
		return ReadError, readErr
	case cf.stop.Load():
		return ReadAborted, nil
	}
	return ReadOK, nil
}

// ContinueTail reads up to toRead newly arrived records from a growing file,
// clearing a previous end-of-file condition first. The session stays in
// read-in-progress between batches.
func (cf *CaptureFile) ContinueTail(toRead int) (ReadStatus, error) {
	if cf.readLock {
		return ReadError, ErrReadInProgress
	}
	if cf.State() != StateReadInProgress {
		return ReadError, fmt.Errorf("session: tail on a %s file", cf.State())
	}
	cf.readLock = true
	cf.beginPass()

	readErr := cf.tailLoop(toRead)

	if cf.closeOnStop {
		cf.fire(triggerAbort)
		cf.readLock = false
		cf.closeOnStop = false
		cf.Close()
		return ReadAborted, nil
	}
	cf.readLock = false

	if cf.pending != RescanNone {
		cf.rescanPackets(cf.pending == RescanRedissect)
	}
	if readErr != nil {
		return ReadError, readErr
	}
	return ReadOK, nil
}

// FinishTail drains whatever is left of a tailed file and moves the session
// to read-done.
func (cf *CaptureFile) FinishTail() (ReadStatus, error) {
	if cf.readLock {
		return ReadError, ErrReadInProgress
	}
	if cf.State() != StateReadInProgress {
		return ReadError, fmt.Errorf("session: tail on a %s file", cf.State())
	}
	cf.readLock = true
	cf.beginPass()

	readErr := cf.tailLoop(-1)

	if cf.closeOnStop {
		cf.fire(triggerAbort)
		cf.readLock = false
		cf.closeOnStop = false
		cf.Close()
		return ReadAborted, nil
	}

	cf.fire(triggerFinish)
	if cf.currentNum == 0 && cf.firstDisplayed != 0 {
		if err := cf.SelectFrame(cf.firstDisplayed); err != nil {
			cf.log.WithError(err).Warn("selecting first displayed frame")
		}
	}
	cf.fireEvent(EventReadFinished, cf.filename)
	cf.readLock = false

	if cf.pending != RescanNone {
		cf.rescanPackets(cf.pending == RescanRedissect)
	}
	if readErr != nil {
		return ReadError, readErr
	}
	return ReadOK, nil
}

// tailLoop pulls newly arrived records from the source, up to limit records
// or until end of file; limit < 0 means drain.
func (cf *CaptureFile) tailLoop(limit int) error {
	if err := cf.src.ClearEOF(); err != nil {
		return err
	}
	wantTree := cf.dfilter != nil || cf.taps.NeedsTree()
	for n := 0; limit < 0 || n < limit; n++ {
		if cf.stop.Load() || cf.closeOnStop {
			return nil
		}
		rec, err := cf.src.ReadNext()
		if err == capture.ErrEOF {
			return nil
		}
		if err != nil {
			return err
		}
		if cf.frames.Len() >= cf.maxRecords {
			return fmt.Errorf("%w (%d)", ErrTooManyRecords, cf.maxRecords)
		}
		cf.readRecord(rec, wantTree)
	}
	return nil
}

// readRecord screens one raw record through the read filter and, if it
// survives, gives it a frame number and runs it through the scan pipeline.
// Discarded records leave no trace in the index; numbering stays dense.
func (cf *CaptureFile) readRecord(rec *capture.Record, wantTree bool) {
	fd := frame.Frame{
		FileOff: rec.Offset,
		CapLen:  rec.Info.CaptureLength,
		Len:     rec.Info.Length,
		TimeNS:  rec.Info.Timestamp.UnixNano(),
	}

	if cf.rfilter != nil {
		// Provisional dissection under the number the record would get.
		fd.Num = cf.frames.Len() + 1
		d := cf.dissector.Run(rec.Data, &fd, false)
		if !cf.rfilter.Match(d) {
			return
		}
	}

	f := cf.frames.Append(fd)
	if rec.Block.CommentCount() > 0 {
		cf.srcBlocks[f.Num] = rec.Block
		cf.commentCount += rec.Block.CommentCount()
	}
	cf.addPacket(f, rec.Data, wantTree, true)
}

// addPacket runs one frame through the scan pipeline: cursor bookkeeping,
// dissection, display-filter evaluation, view accounting, taps and the row
// sink. It is the single code path shared by the initial read, tailing and
// rescans.
func (cf *CaptureFile) addPacket(f *frame.Frame, data []byte, wantTree, addToRows bool) {
	if f.RefTime {
		cf.ref = f.Num
	}
	if cf.ref == 0 {
		cf.ref = f.Num
	}
	f.RefNum = cf.ref
	f.PrevDisNum = cf.prevDis

	if f.Num == 1 {
		cf.firstTimeNS = f.TimeNS
	}
	if d := f.TimeNS - cf.firstTimeNS; d > cf.elapsedNS {
		cf.elapsedNS = d
	}

	d := cf.dissectFrame(f, data, wantTree)
	f.Visited = true
	cf.prevCap = f.Num

	if cf.dfilter != nil {
		f.Passed = cf.dfilter.Match(d)
	} else {
		f.Passed = true
	}
	if f.Passed {
		for _, dep := range d.DependsOn {
			if df := cf.frames.Find(dep); df != nil {
				df.DependentOfDisplayed = true
			}
		}
	}

	if f.ShownInView() {
		cf.displayedCount++
		if f.RefTime {
			// Cumulative bytes restart at each time reference.
			cf.cumBytes = 0
		}
		cf.cumBytes += uint64(f.CapLen)
		f.CumBytes = cf.cumBytes
		if cf.firstDisplayed == 0 {
			cf.firstDisplayed = f.Num
		}
		cf.lastDisplayed = f.Num
		cf.prevDis = f.Num
		if addToRows && cf.rows != nil {
			cf.rows.RowAppended(f, d.Cols)
		}
	}

	cf.taps.Feed(f, d)
}

// dissectFrame dissects one frame, short-circuiting ignored frames to a
// placeholder summary so their content stops influencing anything.
func (cf *CaptureFile) dissectFrame(f *frame.Frame, data []byte, wantTree bool) *dissect.Dissection {
	if f.Ignored {
		d := &dissect.Dissection{}
		d.Fields.Frame.Number = int(f.Num)
		d.Fields.Frame.Len = f.Len
		d.Fields.Frame.CapLen = f.CapLen
		d.Fields.Frame.TimeEpoch = float64(f.TimeNS) / 1e9
		d.Cols.Info = "<Ignored>"
		return d
	}
	return cf.dissector.Run(data, f, wantTree)
}
