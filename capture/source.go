// Package capture provides the record-source and container-writer
// collaborators for the session engine: sequential reading of capture files
// with stable byte offsets, random re-fetching of raw record bytes, pcap and
// pcapng writers, and a timestamp-ordered multi-file merge.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrEOF is returned by ReadNext when the source is exhausted. For a live
// tail the caller may call ClearEOF and retry once the file has grown.
var ErrEOF = errors.New("capture: end of file")

// Block is a record's annotation block: container-level metadata riding
// along with the raw bytes, of which comments are the part users edit.
type Block struct {
	Comments []string
}

// Clone returns a deep copy of the block. A nil receiver yields an empty
// block ready to be edited.
func (b *Block) Clone() *Block {
	nb := &Block{}
	if b != nil {
		nb.Comments = append([]string(nil), b.Comments...)
	}
	return nb
}

// CommentCount returns the number of comments in the block, 0 for nil.
func (b *Block) CommentCount() int {
	if b == nil {
		return 0
	}
	return len(b.Comments)
}

// Record is one raw record handed out by a Source.
type Record struct {
	Data    []byte
	Info    gopacket.CaptureInfo
	Offset  int64  // byte offset of the record data within the file
	Block   *Block // annotation block from the container, nil if none
}

// Source is the sequential/random-access provider of raw records from a
// capture container.
type Source interface {
	// ReadNext returns the next record in file order, or ErrEOF.
	ReadNext() (*Record, error)

	// ReadAt re-fetches the raw bytes of a previously read record from its
	// data offset and captured length.
	ReadAt(offset int64, caplen int) ([]byte, error)

	// ClearEOF rewinds to just after the last successfully read record so
	// that a growing file can be tailed past a previous ErrEOF.
	ClearEOF() error

	// Size returns the current size of the backing file in bytes, or -1 if
	// unknown.
	Size() int64

	// ReadSoFar returns how many bytes of the file have been consumed by
	// sequential reads, for progress reporting.
	ReadSoFar() int64

	LinkType() layers.LinkType
	Snaplen() uint32
	Close() error
}

// Fixed header sizes of the classic pcap container: one global header at
// the start of the file, one record header before each record's data.
const (
	pcapFileHeaderLen   = 24
	pcapRecordHeaderLen = 16
)

// FileSource reads a classic pcap file via pcapgo, tracking the byte offset
// of every record so raw bytes can be re-fetched later with ReadAt.
//
// Offsets are derived from the container layout, never from the reader's
// position: pcapgo reads through an internal bufio.Reader whose readahead
// makes raw byte counts meaningless.
type FileSource struct {
	file     *os.File
	r        *pcapgo.Reader
	header   []byte // raw global header, replayed when the reader is rebuilt
	path     string
	nextOff  int64 // file offset of the next record header
	lastGood int64 // offset just past the last fully read record
}

// newPcapReader parses the saved global header and continues reading record
// data from the file's current position.
func newPcapReader(header []byte, f *os.File) (*pcapgo.Reader, error) {
	return pcapgo.NewReader(io.MultiReader(bytes.NewReader(header), f))
}

// OpenFile opens a capture file for sequential reading.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file %s: %w", path, err)
	}
	header := make([]byte, pcapFileHeaderLen)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, fmt.Errorf("read pcap header of %s: %w", path, err)
	}
	r, err := newPcapReader(header, f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read pcap header of %s: %w", path, err)
	}
	return &FileSource{
		file:     f,
		r:        r,
		header:   header,
		path:     path,
		nextOff:  pcapFileHeaderLen,
		lastGood: pcapFileHeaderLen,
	}, nil
}

// Path returns the path the source was opened from.
func (s *FileSource) Path() string { return s.path }

// ReadNext reads the next record. The returned record's Offset points at the
// record data (past the per-record header), which together with the captured
// length is all ReadAt needs.
func (s *FileSource) ReadNext() (*Record, error) {
	headerOff := s.nextOff
	data, ci, err := s.r.ReadPacketData()
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrEOF
		}
		return nil, fmt.Errorf("read record at offset %d: %w", headerOff, err)
	}
	s.nextOff = headerOff + pcapRecordHeaderLen + int64(ci.CaptureLength)
	s.lastGood = s.nextOff
	return &Record{
		Data:   data,
		Info:   ci,
		Offset: headerOff + pcapRecordHeaderLen,
	}, nil
}

// ReadAt re-fetches raw record bytes by data offset.
func (s *FileSource) ReadAt(offset int64, caplen int) ([]byte, error) {
	buf := make([]byte, caplen)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("reread record at offset %d: %w", offset, err)
	}
	return buf, nil
}

// ClearEOF resumes sequential reading after a previous ErrEOF so a growing
// file can be tailed. The pcapgo reader buffers ahead and may have swallowed
// a partial trailing record, so it is rebuilt from the saved global header
// with the file repositioned at the last record boundary.
func (s *FileSource) ClearEOF() error {
	if _, err := s.file.Seek(s.lastGood, io.SeekStart); err != nil {
		return fmt.Errorf("rewind to offset %d: %w", s.lastGood, err)
	}
	r, err := newPcapReader(s.header, s.file)
	if err != nil {
		return fmt.Errorf("resume reading at offset %d: %w", s.lastGood, err)
	}
	s.r = r
	s.nextOff = s.lastGood
	return nil
}

// Size returns the current on-disk size, which may keep growing while a live
// capture is writing to the file.
func (s *FileSource) Size() int64 {
	fi, err := s.file.Stat()
	if err != nil {
		return -1
	}
	return fi.Size()
}

// ReadSoFar returns the number of bytes consumed by sequential reads.
func (s *FileSource) ReadSoFar() int64 { return s.nextOff }

// LinkType returns the file's link-layer type.
func (s *FileSource) LinkType() layers.LinkType { return s.r.LinkType() }

// Snaplen returns the file's snapshot length.
func (s *FileSource) Snaplen() uint32 { return s.r.Snaplen() }

// Close releases the underlying file.
func (s *FileSource) Close() error {
	return s.file.Close()
}
