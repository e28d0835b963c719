package session

import (
	"fmt"

	"github.com/Zerofisher/capfile/filter"
)

// SetDisplayFilter compiles and installs a new display filter and rebuilds
// the filtered view. An empty string clears the filter. When the text equals
// the current filter nothing happens unless force is set. Called during an
// active pass, the rebuild is queued and coalesced rather than run
// re-entrantly.
func (cf *CaptureFile) SetDisplayFilter(text string, force bool) error {
	if !force && text == cf.dfilterText {
		return nil
	}
	pred, err := compileOptional(text)
	if err != nil {
		return err
	}
	cf.dfilterText = text
	cf.dfilter = pred
	cf.log.WithField("filter", text).Debug("display filter changed")

	if cf.State() == StateClosed {
		return nil
	}
	if cf.readLock {
		// Never downgrade a queued redissect to a plain scan.
		if cf.pending != RescanRedissect {
			cf.pending = RescanScan
		}
		return nil
	}
	cf.rescanPackets(false)
	return nil
}

// Redissect throws away all dissection-derived state and rebuilds the view
// from the raw bytes, for when a change (preferences, annotations that feed
// dissection) invalidates previous dissections. During an active pass the
// request is queued, upgrading any queued scan.
func (cf *CaptureFile) Redissect() {
	if cf.State() == StateClosed {
		return
	}
	if cf.readLock {
		cf.pending = RescanRedissect
		return
	}
	cf.rescanPackets(true)
}

// rescanPackets walks every indexed frame in order, re-fetching its raw
// bytes and running it through the scan pipeline, rebuilding the filtered
// view from scratch. With redissect set, per-frame derived state and the
// dissector's cross-packet state are discarded first.
//
// The pass preserves the selection: if the selected frame leaves the view,
// the nearest frame by number that remains displayed is selected instead,
// the earlier one on a tie. A rescan or redissect requested from a callback
// while the pass runs is queued and executed once afterwards.
func (cf *CaptureFile) rescanPackets(redissect bool) {
	if cf.readLock {
		if redissect {
			cf.pending = RescanRedissect
		} else if cf.pending == RescanNone {
			cf.pending = RescanScan
		}
		return
	}
	cf.readLock = true
	cf.pending = RescanNone
	cf.redissecting = redissect

	action := "Filtering"
	if redissect {
		action = "Redissecting"
	}
	cf.log.WithField("redissect", redissect).Debug("rescanning frames")

	wantTree := cf.dfilter != nil || cf.taps.NeedsTree()
	cf.taps.Reset()
	// Cross-packet dissection state is rebuilt either way; a plain rescan
	// re-derives identical values from identical input, a redissect starts
	// from genuinely clean state.
	cf.dissector.Reset()
	if cf.rows != nil {
		cf.rows.RowsCleared()
	}

	selectedNum := cf.currentNum
	cf.clearViewState()
	cf.fireEvent(EventRescanStarted, cf.filename)
	cf.beginPass()

	var (
		preceding         uint32
		following         uint32
		selectedSeen      bool
		selectedDisplayed bool
		scanErr           error
	)
	total := int64(cf.frames.Len())
	num := uint32(1)
	for ; num <= cf.frames.Len(); num++ {
		if cf.stop.Load() || cf.pending != RescanNone {
			break
		}
		f := cf.frames.Find(num)
		if redissect {
			f.ResetDerived()
		} else {
			f.DependentOfDisplayed = false
		}
		data, err := cf.src.ReadAt(f.FileOff, f.CapLen)
		if err != nil {
			scanErr = err
			break
		}
		cf.addPacket(f, data, wantTree, true)

		if f.Num == selectedNum {
			selectedSeen = true
			selectedDisplayed = f.ShownInView()
		} else if f.ShownInView() {
			if !selectedSeen {
				preceding = f.Num
			} else if following == 0 {
				following = f.Num
			}
		}
		cf.emitProgress(action, int64(num), total)
	}
	if redissect {
		// Frames past an interrupted pass must not keep stale derived
		// state from the previous dissection round.
		for rest := num; rest <= cf.frames.Len(); rest++ {
			cf.frames.ResetDerived(rest)
		}
	}
	cf.redissecting = false
	if scanErr != nil {
		cf.log.WithError(scanErr).Error("rescan stopped on read error")
	}
	cf.fireEvent(EventRescanFinished, cf.filename)

	cf.reselectAfterRescan(selectedNum, selectedDisplayed, preceding, following)

	queued := cf.pending
	cf.readLock = false
	if queued != RescanNone {
		cf.rescanPackets(redissect || queued == RescanRedissect)
	}
}

// reselectAfterRescan restores or replaces the selection once the view has
// been rebuilt.
func (cf *CaptureFile) reselectAfterRescan(selectedNum uint32, stillDisplayed bool, preceding, following uint32) {
	switch {
	case selectedNum == 0:
		// Nothing was selected before; leave it that way.
	case stillDisplayed:
		if err := cf.SelectFrame(selectedNum); err != nil {
			cf.log.WithError(err).Warn("reselecting frame after rescan")
		}
	case preceding == 0 && following == 0:
		cf.Unselect()
	default:
		pick := preceding
		if preceding == 0 {
			pick = following
		} else if following != 0 {
			// Nearest displayed neighbor by frame number; the preceding
			// one wins a tie.
			if following-selectedNum < selectedNum-preceding {
				pick = following
			}
		}
		if err := cf.SelectFrame(pick); err != nil {
			cf.log.WithError(err).Warn("selecting neighbor after rescan")
		}
	}
}

// recalcTimeRefs re-derives the metadata that depends on time references
// and view membership (reference cursor, previous-displayed links,
// cumulative bytes) without dissecting anything. Used after a time
// reference is toggled and after an in-place save.
func (cf *CaptureFile) recalcTimeRefs() {
	cf.ref = 0
	cf.prevDis = 0
	cf.cumBytes = 0
	cf.firstDisplayed = 0
	cf.lastDisplayed = 0
	for num := uint32(1); num <= cf.frames.Len(); num++ {
		f := cf.frames.Find(num)
		if f.RefTime {
			cf.ref = f.Num
		}
		if cf.ref == 0 {
			cf.ref = f.Num
		}
		f.RefNum = cf.ref
		f.PrevDisNum = cf.prevDis
		if f.ShownInView() {
			if f.RefTime {
				cf.cumBytes = 0
			}
			cf.cumBytes += uint64(f.CapLen)
			f.CumBytes = cf.cumBytes
			if cf.firstDisplayed == 0 {
				cf.firstDisplayed = f.Num
			}
			cf.lastDisplayed = f.Num
			cf.prevDis = f.Num
		}
	}
}

// Retap replays every indexed frame through the tap listeners without
// touching the filtered view. Listeners are reset first so they rebuild
// from a clean slate.
func (cf *CaptureFile) Retap() (ReadStatus, error) {
	if cf.readLock {
		return ReadError, ErrReadInProgress
	}
	if cf.State() == StateClosed {
		return ReadError, ErrClosed
	}
	if cf.taps.Len() == 0 {
		return ReadOK, nil
	}
	cf.readLock = true
	cf.beginPass()

	cf.taps.Reset()
	cf.dissector.Reset()
	cf.fireEvent(EventRetapStarted, cf.filename)

	wantTree := cf.taps.NeedsTree()
	total := int64(cf.frames.Len())
	var tapErr error
	for num := uint32(1); num <= cf.frames.Len(); num++ {
		if cf.stop.Load() {
			break
		}
		f := cf.frames.Find(num)
		data, err := cf.src.ReadAt(f.FileOff, f.CapLen)
		if err != nil {
			tapErr = err
			break
		}
		d := cf.dissectFrame(f, data, wantTree)
		cf.taps.Feed(f, d)
		cf.emitProgress("Retapping", int64(num), total)
	}

	cf.fireEvent(EventRetapFinished, cf.filename)
	cf.readLock = false

	if cf.pending != RescanNone {
		cf.rescanPackets(cf.pending == RescanRedissect)
	}
	switch {
	case tapErr != nil:
		return ReadError, tapErr
	case cf.stop.Load():
		return ReadAborted, nil
	}
	return ReadOK, nil
}

// compileOptional compiles non-empty filter text, mapping "" to nil.
func compileOptional(text string) (*filter.Predicate, error) {
	if text == "" {
		return nil, nil
	}
	p, err := filter.Compile(text)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return p, nil
}
