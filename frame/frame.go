// Package frame holds per-record metadata and the append-only frame index.
// A Frame is the durable identity of one captured record: raw bytes stay in
// the capture file and are re-fetched on demand via the stored offset.
package frame

import "time"

// Frame is the metadata kept for one indexed record.
//
// Num is assigned once, in strictly increasing order starting at 1, and never
// changes. Everything derived from dissection or filtering (Passed, Visited,
// CumBytes, RefNum, PrevDisNum, DependentOfDisplayed) is recomputed on every
// scan pass. Links to other frames are stored as frame numbers, resolved
// through Index.Find, so they survive index growth.
type Frame struct {
	// Identity, immutable once assigned.
	Num     uint32
	FileOff int64 // byte offset of the record data in the capture file
	CapLen  int   // captured length
	Len     int   // on-wire length
	TimeNS  int64 // absolute timestamp, unix nanoseconds

	// Derived, recomputed per pass.
	CumBytes   uint64
	RefNum     uint32 // time-reference frame for this frame's relative time
	PrevDisNum uint32 // previous displayed frame at dissection time

	// Flags.
	Passed               bool // passed the current display filter
	Marked               bool
	Ignored              bool
	RefTime              bool // user-designated time reference
	HasModifiedBlock     bool // annotation overlay present for this frame
	Visited              bool // seen by the dissector on the current pass
	DependentOfDisplayed bool // a displayed frame depends on this one
}

// Timestamp returns the frame's absolute timestamp.
func (f *Frame) Timestamp() time.Time {
	return time.Unix(0, f.TimeNS)
}

// ResetDerived clears everything a redissection invalidates, keeping the
// frame's identity and user overlays (marks, ignores, time references,
// modified blocks) intact. Used when a pass is aborted partway so tail
// frames are explicitly cleared rather than left stale.
func (f *Frame) ResetDerived() {
	f.Visited = false
	f.Passed = false
	f.CumBytes = 0
	f.RefNum = 0
	f.PrevDisNum = 0
	f.DependentOfDisplayed = false
}

// ShownInView reports whether the frame belongs to the filtered view: it
// either passed the display filter or is a time reference, which is always
// shown so the user can see what relative times are measured against.
func (f *Frame) ShownInView() bool {
	return f.Passed || f.RefTime
}
