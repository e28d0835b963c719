package session

import "fmt"

// SelectFrame makes a frame the current selection and builds its full
// protocol tree for the detail view. The new dissection is built before the
// old one is let go, so a failure leaves the previous selection intact.
//
// Re-dissecting an already scanned frame is idempotent with respect to the
// dissector's cross-packet state: stream numbers and transaction links
// resolve to the values the scan pass assigned.
func (cf *CaptureFile) SelectFrame(num uint32) error {
	f := cf.Frame(num)
	if f == nil {
		return fmt.Errorf("%w: %d", ErrFrameNotFound, num)
	}
	data, err := cf.src.ReadAt(f.FileOff, f.CapLen)
	if err != nil {
		return err
	}
	d := cf.dissectFrame(f, data, true)
	cf.currentNum = num
	cf.currentDis = d
	return nil
}

// Unselect drops the current selection.
func (cf *CaptureFile) Unselect() {
	cf.currentNum = 0
	cf.currentDis = nil
}

// GoToFrame selects a frame by number, refusing frames that are not part of
// the filtered view.
func (cf *CaptureFile) GoToFrame(num uint32) error {
	f := cf.Frame(num)
	if f == nil {
		return fmt.Errorf("%w: %d", ErrFrameNotFound, num)
	}
	if !f.ShownInView() {
		return fmt.Errorf("%w: %d", ErrNotDisplayed, num)
	}
	return cf.SelectFrame(num)
}

// MarkFrame marks a frame. Marking is pure metadata; it never affects
// filtering or dissection.
func (cf *CaptureFile) MarkFrame(num uint32) error {
	f := cf.Frame(num)
	if f == nil {
		return fmt.Errorf("%w: %d", ErrFrameNotFound, num)
	}
	if !f.Marked {
		f.Marked = true
		cf.markedCount++
	}
	return nil
}

// UnmarkFrame clears a frame's mark.
func (cf *CaptureFile) UnmarkFrame(num uint32) error {
	f := cf.Frame(num)
	if f == nil {
		return fmt.Errorf("%w: %d", ErrFrameNotFound, num)
	}
	if f.Marked {
		f.Marked = false
		cf.markedCount--
	}
	return nil
}

// IgnoreFrame excludes a frame's content from dissection. The frame keeps
// its number and stays in the index; passes dissect it to a placeholder.
// Callers follow up with Redissect so state derived from the frame's
// content is rebuilt without it.
func (cf *CaptureFile) IgnoreFrame(num uint32) error {
	f := cf.Frame(num)
	if f == nil {
		return fmt.Errorf("%w: %d", ErrFrameNotFound, num)
	}
	if !f.Ignored {
		f.Ignored = true
		cf.ignoredCount++
	}
	return nil
}

// UnignoreFrame restores a frame's content to dissection.
func (cf *CaptureFile) UnignoreFrame(num uint32) error {
	f := cf.Frame(num)
	if f == nil {
		return fmt.Errorf("%w: %d", ErrFrameNotFound, num)
	}
	if f.Ignored {
		f.Ignored = false
		cf.ignoredCount--
	}
	return nil
}

// SetTimeReference toggles a frame as time reference. Reference frames are
// always part of the filtered view, whether or not they pass the display
// filter, and relative times and cumulative bytes restart at each one; the
// dependent metadata is recalculated immediately, without re-dissection.
func (cf *CaptureFile) SetTimeReference(num uint32, set bool) error {
	f := cf.Frame(num)
	if f == nil {
		return fmt.Errorf("%w: %d", ErrFrameNotFound, num)
	}
	if f.RefTime == set {
		return nil
	}
	f.RefTime = set
	if set {
		cf.refTimeCount++
		if !f.Passed {
			cf.displayedCount++
		}
	} else {
		cf.refTimeCount--
		if !f.Passed {
			cf.displayedCount--
		}
	}
	cf.recalcTimeRefs()
	return nil
}
