package session

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/Zerofisher/capfile/dissect"
	"github.com/Zerofisher/capfile/filter"
	"github.com/Zerofisher/capfile/frame"
)

// Direction selects which way a search walks the filtered view.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// MatchFunc examines one candidate frame. data holds the frame's raw bytes
// and d its dissection with the full tree built.
type MatchFunc func(f *frame.Frame, data []byte, d *dissect.Dissection) bool

// FindPacket walks the filtered view from the frame after (or before) the
// current selection, looking for a frame the match function accepts. With
// wrap set the search continues from the far end and finishes back at the
// starting point. The found frame becomes the selection and its number is
// returned; ErrNotFound is returned when no displayed frame matches.
func (cf *CaptureFile) FindPacket(match MatchFunc, dir Direction, wrap bool) (uint32, error) {
	return cf.findFrom(func(f *frame.Frame) (bool, error) {
		data, err := cf.src.ReadAt(f.FileOff, f.CapLen)
		if err != nil {
			return false, err
		}
		return match(f, data, cf.dissectFrame(f, data, true)), nil
	}, dir, wrap)
}

// FindMarked finds the next marked frame in the view without dissecting
// anything.
func (cf *CaptureFile) FindMarked(dir Direction, wrap bool) (uint32, error) {
	return cf.findFrom(func(f *frame.Frame) (bool, error) {
		return f.Marked, nil
	}, dir, wrap)
}

// FindTimeReference finds the next time-reference frame in the view without
// dissecting anything.
func (cf *CaptureFile) FindTimeReference(dir Direction, wrap bool) (uint32, error) {
	return cf.findFrom(func(f *frame.Frame) (bool, error) {
		return f.RefTime, nil
	}, dir, wrap)
}

// findFrom is the shared wrap-aware traversal. Only frames in the filtered
// view are candidates; the starting frame itself is examined last, and only
// when wrapping.
func (cf *CaptureFile) findFrom(accept func(*frame.Frame) (bool, error), dir Direction, wrap bool) (uint32, error) {
	if cf.readLock {
		return 0, ErrReadInProgress
	}
	count := cf.Count()
	if count == 0 {
		return 0, ErrNotFound
	}

	advance := func(num uint32) uint32 {
		if dir == Forward {
			if num >= count {
				return 0 // past the end; 0 signals the edge
			}
			return num + 1
		}
		if num <= 1 {
			return 0
		}
		return num - 1
	}
	edge := func() uint32 {
		if dir == Forward {
			return 1
		}
		return count
	}

	start := cf.currentNum
	var num uint32
	if start == 0 {
		num = edge()
		wrap = false // a full sweep from the edge already covers everything
	} else {
		num = advance(start)
	}

	wrapped := false
	cf.stop.Store(false)
	for {
		if num == 0 {
			if !wrap || wrapped {
				break
			}
			wrapped = true
			num = edge()
			continue
		}
		if cf.stop.Load() {
			break
		}
		f := cf.frames.Find(num)
		if f.ShownInView() {
			ok, err := accept(f)
			if err != nil {
				return 0, err
			}
			if ok {
				if err := cf.SelectFrame(num); err != nil {
					return 0, err
				}
				return num, nil
			}
		}
		if wrapped && num == start {
			break
		}
		num = advance(num)
	}
	return 0, ErrNotFound
}

// MatchSummary matches a substring of the summary line (protocol, source,
// destination, info), case-insensitively unless caseSensitive is set.
func MatchSummary(needle string, caseSensitive bool) MatchFunc {
	if !caseSensitive {
		needle = strings.ToLower(needle)
	}
	return func(f *frame.Frame, data []byte, d *dissect.Dissection) bool {
		line := strings.Join([]string{d.Cols.Protocol, d.Cols.Source, d.Cols.Destination, d.Cols.Info}, " ")
		if !caseSensitive {
			line = strings.ToLower(line)
		}
		return strings.Contains(line, needle)
	}
}

// MatchDetail matches a substring of the protocol tree text.
func MatchDetail(needle string, caseSensitive bool) MatchFunc {
	if !caseSensitive {
		needle = strings.ToLower(needle)
	}
	return func(f *frame.Frame, data []byte, d *dissect.Dissection) bool {
		for _, layer := range d.Layers {
			if containsFold(layer.Name, needle, caseSensitive) {
				return true
			}
			for _, det := range layer.Details {
				if containsFold(det, needle, caseSensitive) {
					return true
				}
			}
		}
		return false
	}
}

func containsFold(s, needle string, caseSensitive bool) bool {
	if !caseSensitive {
		s = strings.ToLower(s)
	}
	return strings.Contains(s, needle)
}

// MatchBytes matches raw packet bytes containing the needle.
func MatchBytes(needle []byte) MatchFunc {
	return func(f *frame.Frame, data []byte, d *dissect.Dissection) bool {
		return bytes.Contains(data, needle)
	}
}

// MatchBytesRegexp matches the raw packet bytes against a compiled regular
// expression.
func MatchBytesRegexp(re *regexp.Regexp) MatchFunc {
	return func(f *frame.Frame, data []byte, d *dissect.Dissection) bool {
		return re.Match(data)
	}
}

// MatchFilter matches frames satisfying a display-filter predicate,
// independent of the filter the view is built from.
func MatchFilter(p *filter.Predicate) MatchFunc {
	return func(f *frame.Frame, data []byte, d *dissect.Dissection) bool {
		return p != nil && p.Match(d)
	}
}

// CompileFindFilter compiles filter text for use with MatchFilter, wrapping
// errors in the session's namespace.
func CompileFindFilter(text string) (*filter.Predicate, error) {
	p, err := filter.Compile(text)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return p, nil
}
