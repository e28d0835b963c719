package capture

import (
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MemorySource is a Source backed by an in-memory record list. It is the
// adapter between a live capture feed and the session's scan engine: the
// feed appends records as they arrive, the scan engine drains them with
// ReadNext and hits ErrEOF when it has caught up.
type MemorySource struct {
	mu       sync.Mutex
	records  []*Record
	pos      int
	bytes    int64
	read     int64
	linkType layers.LinkType
	snaplen  uint32
}

// NewMemorySource returns an empty in-memory source.
func NewMemorySource(linkType layers.LinkType, snaplen uint32) *MemorySource {
	return &MemorySource{linkType: linkType, snaplen: snaplen}
}

// Append adds a record to the tail of the source. Offsets are synthesized
// from the cumulative byte count so ReadAt can find the record again.
func (s *MemorySource) Append(data []byte, ci gopacket.CaptureInfo, block *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, &Record{
		Data:   data,
		Info:   ci,
		Offset: s.bytes,
		Block:  block,
	})
	s.bytes += int64(len(data))
}

// ReadNext returns the next unread record, or ErrEOF once caught up.
func (s *MemorySource) ReadNext() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.records) {
		return nil, ErrEOF
	}
	rec := s.records[s.pos]
	s.pos++
	s.read = rec.Offset + int64(len(rec.Data))
	return rec, nil
}

// ReadAt re-fetches record bytes by the synthesized offset.
func (s *MemorySource) ReadAt(offset int64, caplen int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Offset == offset {
			if caplen > len(rec.Data) {
				caplen = len(rec.Data)
			}
			return rec.Data[:caplen], nil
		}
	}
	return nil, fmt.Errorf("no record at offset %d", offset)
}

// ClearEOF is a no-op: ReadNext picks up newly appended records by itself.
func (s *MemorySource) ClearEOF() error { return nil }

// Size returns the total number of data bytes appended so far.
func (s *MemorySource) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// ReadSoFar returns the number of data bytes consumed by ReadNext.
func (s *MemorySource) ReadSoFar() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read
}

// LinkType returns the link type the source was created with.
func (s *MemorySource) LinkType() layers.LinkType { return s.linkType }

// Snaplen returns the snapshot length the source was created with.
func (s *MemorySource) Snaplen() uint32 { return s.snaplen }

// Close discards the buffered records.
func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.pos = 0
	return nil
}
