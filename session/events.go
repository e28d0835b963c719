package session

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/Zerofisher/capfile/dissect"
	"github.com/Zerofisher/capfile/frame"
)

// EventType identifies a lifecycle notification.
type EventType int

const (
	EventFileOpened EventType = iota
	EventFileClosing
	EventFileClosed
	EventReadStarted
	EventReadFinished
	EventReloadStarted
	EventReloadFinished
	EventRescanStarted
	EventRescanFinished
	EventRetapStarted
	EventRetapFinished
	EventSaveStarted
	EventSaveFinished
	EventSaveFailed
)

// String returns the event name used in logs.
func (t EventType) String() string {
	switch t {
	case EventFileOpened:
		return "file-opened"
	case EventFileClosing:
		return "file-closing"
	case EventFileClosed:
		return "file-closed"
	case EventReadStarted:
		return "read-started"
	case EventReadFinished:
		return "read-finished"
	case EventReloadStarted:
		return "reload-started"
	case EventReloadFinished:
		return "reload-finished"
	case EventRescanStarted:
		return "rescan-started"
	case EventRescanFinished:
		return "rescan-finished"
	case EventRetapStarted:
		return "retap-started"
	case EventRetapFinished:
		return "retap-finished"
	case EventSaveStarted:
		return "save-started"
	case EventSaveFinished:
		return "save-finished"
	case EventSaveFailed:
		return "save-failed"
	}
	return "event(?)"
}

// Event is one lifecycle notification. Path carries the destination filename
// for save events; it is the current filename otherwise.
type Event struct {
	Type EventType
	File *CaptureFile
	Path string
}

// EventSink receives lifecycle events. Sinks are registered explicitly on the
// session that emits to them; there is no process-global registry. A sink may
// call back into the session (for example SetDisplayFilter from a
// rescan-started handler); requests that cannot run immediately are queued
// and coalesced.
type EventSink interface {
	FileEvent(e Event)
}

// RowSink is the packet-list adapter: it receives one row per frame of the
// filtered view, in view order, and a clear notification when the view is
// rebuilt.
type RowSink interface {
	RowAppended(f *frame.Frame, cols dissect.Columns)
	RowsCleared()
}

// ProgressFunc receives periodic progress for a long pass. Fraction is in
// [0,1], or -1 when the total is unknown. Returning false asks the engine to
// stop at the next record boundary; what has been processed so far is kept.
type ProgressFunc func(action string, fraction float64) bool

// progressInterval is the minimum spacing between progress callbacks.
const progressInterval = 100 * time.Millisecond

func newProgressLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(progressInterval), 1)
}

// beginPass resets per-pass cancellation and progress throttling, so every
// pass gets an immediate first progress callback.
func (cf *CaptureFile) beginPass() {
	cf.stop.Store(false)
	cf.limiter = newProgressLimiter()
}

func (cf *CaptureFile) fireEvent(t EventType, path string) {
	for _, s := range cf.sinks {
		s.FileEvent(Event{Type: t, File: cf, Path: path})
	}
}

// emitProgress reports progress at most once per interval. A callback
// returning false raises the session's stop flag.
func (cf *CaptureFile) emitProgress(action string, done, total int64) {
	if cf.progress == nil || !cf.limiter.Allow() {
		return
	}
	frac := -1.0
	if total > 0 {
		frac = float64(done) / float64(total)
		if frac < 0 {
			frac = 0
		} else if frac > 1 {
			frac = 1
		}
	}
	if !cf.progress(action, frac) {
		cf.stop.Store(true)
	}
}
