package capture

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Format identifies a capture container format for writing.
type Format int

const (
	// FormatPcap is the classic libpcap container.
	FormatPcap Format = iota
	// FormatPcapNg is the pcapng container.
	FormatPcapNg
)

// String returns the conventional file extension name of the format.
func (f Format) String() string {
	switch f {
	case FormatPcap:
		return "pcap"
	case FormatPcapNg:
		return "pcapng"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Writer is the container-writer collaborator: it re-encodes records into a
// destination file. Close reports whether the written bytes differ from the
// source in a way that requires the session to reopen and reread the result
// (for example record offsets having moved).
type Writer interface {
	Write(rec *Record, block *Block) error
	Close() (needsReload bool, err error)
}

// NewWriter opens a container writer for the given destination and format.
func NewWriter(path string, format Format, linkType layers.LinkType, snaplen uint32) (Writer, error) {
	switch format {
	case FormatPcap:
		return newPcapWriter(path, linkType, snaplen)
	case FormatPcapNg:
		return newNgWriter(path, linkType, snaplen)
	default:
		return nil, fmt.Errorf("unsupported save format %v", format)
	}
}

// PcapWriter writes classic pcap. Record layout matches the reader's offset
// arithmetic, so a file written here can be rescanned without a reload.
type PcapWriter struct {
	mu     sync.Mutex
	file   *os.File
	w      *pcapgo.Writer
	count  int
	closed bool
}

func newPcapWriter(path string, linkType layers.LinkType, snaplen uint32) (*PcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snaplen, linkType); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &PcapWriter{file: f, w: w}, nil
}

// Write appends one record. Classic pcap has no room for annotation blocks;
// the block is accepted and dropped, which the session accounts for as
// discarded comments when saving.
func (w *PcapWriter) Write(rec *Record, block *Block) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if err := w.w.WritePacket(rec.Info, rec.Data); err != nil {
		return fmt.Errorf("write record %d: %w", w.count+1, err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *PcapWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes and closes the destination. Classic pcap preserves record
// layout one-to-one, so no reload is needed.
func (w *PcapWriter) Close() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false, nil
	}
	w.closed = true
	return false, w.file.Close()
}

// NgWriter writes pcapng via pcapgo's NgWriter.
type NgWriter struct {
	mu     sync.Mutex
	file   *os.File
	w      *pcapgo.NgWriter
	count  int
	closed bool
}

func newNgWriter(path string, linkType layers.LinkType, snaplen uint32) (*NgWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w, err := pcapgo.NewNgWriterInterface(f, pcapgo.NgInterface{
		Name:       "capfile",
		LinkType:   linkType,
		SnapLength: snaplen,
	}, pcapgo.NgWriterOptions{
		SectionInfo: pcapgo.NgSectionInfo{
			Application: "capfile",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create pcapng writer: %w", err)
	}
	return &NgWriter{file: f, w: w}, nil
}

// Write appends one record. pcapgo's NgWriter exposes no per-packet option
// encoding, so the annotation block is dropped here too; the session keeps
// dropped comments flagged as unsaved.
func (w *NgWriter) Write(rec *Record, block *Block) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if err := w.w.WritePacket(rec.Info, rec.Data); err != nil {
		return fmt.Errorf("write record %d: %w", w.count+1, err)
	}
	w.count++
	return nil
}

// Close flushes and closes the destination. The pcapng block layout shifts
// every record offset relative to a classic source, so the session must
// reload the result before reusing its frame offsets.
func (w *NgWriter) Close() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return true, nil
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		w.file.Close()
		return true, fmt.Errorf("flush pcapng writer: %w", err)
	}
	return true, w.file.Close()
}
