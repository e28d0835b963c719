// Package session implements the capture-file session engine: one open
// capture file, its append-only frame index, the filtered view derived from
// it, and the scan passes (read, rescan, redissect, retap, find, save) that
// keep the two consistent.
//
// The raw bytes of a record live in the capture file only; the session keeps
// per-frame metadata and re-fetches bytes by stored offset whenever a pass
// needs them again.
package session

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/qmuntal/stateless"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Zerofisher/capfile/capture"
	"github.com/Zerofisher/capfile/dissect"
	"github.com/Zerofisher/capfile/filter"
	"github.com/Zerofisher/capfile/frame"
	"github.com/Zerofisher/capfile/tap"
)

// Session states. A file is read-in-progress from open until the initial
// read (or live tail) completes; read-aborted means the file was closed out
// from under an active read.
const (
	StateClosed         = "closed"
	StateReadInProgress = "read-in-progress"
	StateReadDone       = "read-done"
	StateReadAborted    = "read-aborted"
)

const (
	triggerOpen   = "open"
	triggerFinish = "finish"
	triggerAbort  = "abort"
	triggerReread = "reread"
	triggerClose  = "close"
)

// RescanKind is the pending-rescan request slot. At most one request is
// outstanding; a redissect request absorbs a queued scan, never the other
// way around.
type RescanKind int

const (
	RescanNone RescanKind = iota
	RescanScan
	RescanRedissect
)

var (
	ErrReadInProgress = errors.New("session: a read pass is in progress")
	ErrTooManyRecords = errors.New("session: record limit reached")
	ErrFrameNotFound  = errors.New("session: no such frame")
	ErrNotDisplayed   = errors.New("session: frame is not in the filtered view")
	ErrNotFound       = errors.New("session: no matching frame")
	ErrClosed         = errors.New("session: no file open")
)

// DefaultMaxRecords is the pre-flight ceiling on indexed records. The limit
// is checked before a record is added, so hitting it ends the read cleanly
// with everything up to the limit intact.
const DefaultMaxRecords = 50_000_000

// Options configures a new session.
type Options struct {
	// ReadFilter, when non-nil, is applied as records arrive: records that
	// do not match are discarded before indexing and never get a frame
	// number.
	ReadFilter *filter.Predicate

	// MaxRecords overrides DefaultMaxRecords when non-zero.
	MaxRecords uint32

	Logger *logrus.Logger
}

// CaptureFile is one capture-file session. It is not safe for concurrent
// use; all methods are called from the owner's goroutine, with cancellation
// arriving through Stop or a progress callback.
type CaptureFile struct {
	log *logrus.Entry
	fsm *stateless.StateMachine

	// Record provider.
	src       capture.Source
	frames    *frame.Index
	srcBlocks map[uint32]*capture.Block // annotation blocks read from the container

	// Dissection cursors, tracked as frame numbers so they survive index
	// growth. ref is the frame relative times are measured against, prevDis
	// the last frame that entered the view, prevCap the last frame
	// dissected.
	ref     uint32
	prevDis uint32
	prevCap uint32

	filename   string
	isTempfile bool
	format     capture.Format

	dissector *dissect.Context

	// View state.
	dfilterText    string
	dfilter        *filter.Predicate
	rfilter        *filter.Predicate
	displayedCount uint32
	markedCount    uint32
	ignoredCount   uint32
	refTimeCount   uint32
	firstDisplayed uint32
	lastDisplayed  uint32
	cumBytes       uint64
	firstTimeNS    int64
	elapsedNS      int64

	// Selection.
	currentNum uint32
	currentDis *dissect.Dissection

	// Annotation overlay: edited blocks shadowing what the container holds.
	modifiedBlocks map[uint32]*capture.Block
	commentCount   int
	sectionComment string

	unsavedChanges bool

	taps *tap.Registry

	// Pass coordination. readLock rejects re-entrant passes; pending holds
	// the one coalesced rescan request made while a pass was running.
	readLock     bool
	pending      RescanKind
	redissecting bool
	stop         atomic.Bool
	closeOnStop  bool

	maxRecords uint32

	sinks    []EventSink
	rows     RowSink
	progress ProgressFunc
	limiter  *rate.Limiter
}

// New creates a session with no file open.
func New(opts Options) *CaptureFile {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxRecords := opts.MaxRecords
	if maxRecords == 0 {
		maxRecords = DefaultMaxRecords
	}
	cf := &CaptureFile{
		log:        logger.WithField("component", "session"),
		rfilter:    opts.ReadFilter,
		maxRecords: maxRecords,
		taps:       tap.NewRegistry(),
		limiter:    newProgressLimiter(),
	}
	cf.fsm = newStateMachine()
	return cf
}

func newStateMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateClosed)
	fsm.Configure(StateClosed).
		Permit(triggerOpen, StateReadInProgress)
	fsm.Configure(StateReadInProgress).
		Permit(triggerFinish, StateReadDone).
		Permit(triggerAbort, StateReadAborted).
		Permit(triggerClose, StateClosed)
	fsm.Configure(StateReadDone).
		Permit(triggerReread, StateReadInProgress).
		Permit(triggerClose, StateClosed)
	fsm.Configure(StateReadAborted).
		Permit(triggerClose, StateClosed)
	return fsm
}

// State returns the session state, one of the State* constants.
func (cf *CaptureFile) State() string {
	s, _ := cf.fsm.MustState().(string)
	return s
}

func (cf *CaptureFile) fire(trigger string) {
	if err := cf.fsm.Fire(trigger); err != nil {
		cf.log.WithError(err).WithField("trigger", trigger).Warn("state transition rejected")
	}
}

// Open opens a capture file and leaves the session in read-in-progress; the
// caller follows up with Read for a whole-file load or with ContinueTail /
// FinishTail for a growing file. An already open file is closed first.
func (cf *CaptureFile) Open(path string, isTempfile bool) error {
	if cf.readLock {
		return ErrReadInProgress
	}
	src, err := capture.OpenFile(path)
	if err != nil {
		return err
	}
	cf.attachSource(src, path, isTempfile)
	return nil
}

// OpenSource attaches an already constructed record source, such as the
// in-memory feed of a live capture. name is used for display and logging.
func (cf *CaptureFile) OpenSource(src capture.Source, name string) error {
	if cf.readLock {
		return ErrReadInProgress
	}
	cf.attachSource(src, name, false)
	return nil
}

func (cf *CaptureFile) attachSource(src capture.Source, name string, isTempfile bool) {
	if cf.State() != StateClosed {
		cf.Close()
	}
	cf.src = src
	cf.frames = frame.NewIndex()
	cf.srcBlocks = make(map[uint32]*capture.Block)
	cf.modifiedBlocks = make(map[uint32]*capture.Block)
	cf.dissector = dissect.NewContext(src.LinkType())
	cf.filename = name
	cf.isTempfile = isTempfile
	cf.format = capture.FormatPcap
	cf.unsavedChanges = false
	cf.commentCount = 0
	cf.sectionComment = ""
	cf.markedCount = 0
	cf.ignoredCount = 0
	cf.refTimeCount = 0
	cf.clearViewState()
	cf.currentNum = 0
	cf.currentDis = nil
	cf.pending = RescanNone
	cf.log = cf.log.Logger.WithField("file", name)
	cf.fire(triggerOpen)
	cf.fireEvent(EventFileOpened, name)
}

// clearViewState resets everything a scan pass rebuilds.
func (cf *CaptureFile) clearViewState() {
	cf.displayedCount = 0
	cf.firstDisplayed = 0
	cf.lastDisplayed = 0
	cf.cumBytes = 0
	cf.ref = 0
	cf.prevDis = 0
	cf.prevCap = 0
	cf.firstTimeNS = 0
	cf.elapsedNS = 0
}

// Close closes the file and discards the frame index. Called during an
// active read it raises the stop flag instead and completes when the read
// loop notices, leaving the session in read-aborted until then.
func (cf *CaptureFile) Close() {
	if cf.State() == StateClosed {
		return
	}
	if cf.readLock {
		cf.closeOnStop = true
		cf.stop.Store(true)
		return
	}
	cf.fireEvent(EventFileClosing, cf.filename)
	cf.fire(triggerClose)
	if cf.src != nil {
		if err := cf.src.Close(); err != nil {
			cf.log.WithError(err).Warn("closing capture source")
		}
		cf.src = nil
	}
	if cf.isTempfile {
		if err := os.Remove(cf.filename); err != nil && !os.IsNotExist(err) {
			cf.log.WithError(err).Warn("removing temporary capture file")
		}
	}
	if cf.frames != nil {
		cf.frames.Destroy()
		cf.frames = nil
	}
	cf.srcBlocks = nil
	cf.modifiedBlocks = nil
	cf.dissector = nil
	cf.currentNum = 0
	cf.currentDis = nil
	cf.commentCount = 0
	cf.markedCount = 0
	cf.ignoredCount = 0
	cf.refTimeCount = 0
	cf.clearViewState()
	cf.pending = RescanNone
	cf.unsavedChanges = false
	name := cf.filename
	cf.filename = ""
	cf.isTempfile = false
	cf.fireEvent(EventFileClosed, name)
}

// Stop asks the active pass to end at the next record boundary. Work done so
// far is kept.
func (cf *CaptureFile) Stop() {
	cf.stop.Store(true)
}

// AddSink registers a lifecycle event sink.
func (cf *CaptureFile) AddSink(s EventSink) {
	cf.sinks = append(cf.sinks, s)
}

// RemoveSink unregisters a sink.
func (cf *CaptureFile) RemoveSink(s EventSink) {
	for i, cur := range cf.sinks {
		if cur == s {
			cf.sinks = append(cf.sinks[:i], cf.sinks[i+1:]...)
			return
		}
	}
}

// SetRowSink attaches the packet-list adapter.
func (cf *CaptureFile) SetRowSink(rows RowSink) { cf.rows = rows }

// SetProgress attaches the progress callback.
func (cf *CaptureFile) SetProgress(fn ProgressFunc) { cf.progress = fn }

// Taps returns the session's tap listener registry.
func (cf *CaptureFile) Taps() *tap.Registry { return cf.taps }

// SetReadFilter replaces the read filter used by subsequent read passes.
// Frames already indexed are not re-evaluated; a read filter decides what
// gets indexed at all, not what is displayed.
func (cf *CaptureFile) SetReadFilter(p *filter.Predicate) { cf.rfilter = p }

// Count returns the number of indexed frames.
func (cf *CaptureFile) Count() uint32 {
	if cf.frames == nil {
		return 0
	}
	return cf.frames.Len()
}

// DisplayedCount returns the number of frames in the filtered view.
func (cf *CaptureFile) DisplayedCount() uint32 { return cf.displayedCount }

// MarkedCount returns the number of marked frames.
func (cf *CaptureFile) MarkedCount() uint32 { return cf.markedCount }

// IgnoredCount returns the number of ignored frames.
func (cf *CaptureFile) IgnoredCount() uint32 { return cf.ignoredCount }

// ReferenceTimeCount returns the number of time-reference frames.
func (cf *CaptureFile) ReferenceTimeCount() uint32 { return cf.refTimeCount }

// CommentCount returns the total number of packet comments, maintained
// incrementally as blocks are read and edited.
func (cf *CaptureFile) CommentCount() int { return cf.commentCount }

// Filename returns the path of the open file, or "" when closed.
func (cf *CaptureFile) Filename() string { return cf.filename }

// IsTempfile reports whether the open file is an unsaved temporary, such as
// a just-captured or just-merged file.
func (cf *CaptureFile) IsTempfile() bool { return cf.isTempfile }

// UnsavedChanges reports whether annotations have been edited since the
// file was last saved.
func (cf *CaptureFile) UnsavedChanges() bool { return cf.unsavedChanges }

// DisplayFilter returns the text of the current display filter, "" if none.
func (cf *CaptureFile) DisplayFilter() string { return cf.dfilterText }

// ElapsedNS returns the capture's elapsed time in nanoseconds, from the
// first record to the latest one seen.
func (cf *CaptureFile) ElapsedNS() int64 { return cf.elapsedNS }

// FirstDisplayed and LastDisplayed return the frame numbers bounding the
// filtered view, 0 when the view is empty.
func (cf *CaptureFile) FirstDisplayed() uint32 { return cf.firstDisplayed }
func (cf *CaptureFile) LastDisplayed() uint32  { return cf.lastDisplayed }

// Frame returns the metadata of one frame, nil if the number is out of
// range.
func (cf *CaptureFile) Frame(num uint32) *frame.Frame {
	if cf.frames == nil {
		return nil
	}
	return cf.frames.Find(num)
}

// CurrentFrame returns the selected frame number and its full dissection,
// or (0, nil) when nothing is selected.
func (cf *CaptureFile) CurrentFrame() (uint32, *dissect.Dissection) {
	return cf.currentNum, cf.currentDis
}

// PacketData re-fetches the raw bytes of a frame from the capture file.
func (cf *CaptureFile) PacketData(num uint32) ([]byte, error) {
	f := cf.Frame(num)
	if f == nil {
		return nil, fmt.Errorf("%w: %d", ErrFrameNotFound, num)
	}
	return cf.src.ReadAt(f.FileOff, f.CapLen)
}
