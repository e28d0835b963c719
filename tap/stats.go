package tap

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/Zerofisher/capfile/dissect"
	"github.com/Zerofisher/capfile/filter"
	"github.com/Zerofisher/capfile/frame"
)

// Endpoint accumulates traffic totals for one address.
type Endpoint struct {
	Address   string
	TxPackets int
	RxPackets int
	TxBytes   int64
	RxBytes   int64
}

// Stats is a tap listener collecting per-protocol and per-endpoint traffic
// totals over the frames of a pass.
type Stats struct {
	pred      *filter.Predicate
	protocols map[string]int
	endpoints map[string]*Endpoint
	packets   int
	bytes     int64
}

// NewStats creates a statistics listener. pred may be nil to count every
// frame.
func NewStats(pred *filter.Predicate) *Stats {
	s := &Stats{pred: pred}
	s.Reset()
	return s
}

// Name implements Listener.
func (s *Stats) Name() string { return "stats" }

// NeedsTree implements Listener. Counters only need columns and fields.
func (s *Stats) NeedsTree() bool { return false }

// Filter implements Listener.
func (s *Stats) Filter() *filter.Predicate { return s.pred }

// Reset implements Listener.
func (s *Stats) Reset() {
	s.protocols = make(map[string]int)
	s.endpoints = make(map[string]*Endpoint)
	s.packets = 0
	s.bytes = 0
}

// Packet implements Listener.
func (s *Stats) Packet(f *frame.Frame, d *dissect.Dissection) {
	s.packets++
	s.bytes += int64(f.Len)
	s.protocols[d.Cols.Protocol]++

	src, dst := d.Fields.IP.Src, d.Fields.IP.Dst
	if src == "" || dst == "" {
		return
	}
	se, ok := s.endpoints[src]
	if !ok {
		se = &Endpoint{Address: src}
		s.endpoints[src] = se
	}
	se.TxPackets++
	se.TxBytes += int64(f.Len)

	de, ok := s.endpoints[dst]
	if !ok {
		de = &Endpoint{Address: dst}
		s.endpoints[dst] = de
	}
	de.RxPackets++
	de.RxBytes += int64(f.Len)
}

// Packets returns the number of frames counted in the current pass.
func (s *Stats) Packets() int { return s.packets }

// Bytes returns the total on-wire bytes counted in the current pass.
func (s *Stats) Bytes() int64 { return s.bytes }

// ProtocolCount returns the frame count for one protocol column value.
func (s *Stats) ProtocolCount(proto string) int { return s.protocols[proto] }

// Endpoints returns the per-address totals sorted by transmitted bytes.
func (s *Stats) Endpoints() []*Endpoint {
	out := make([]*Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TxBytes != out[j].TxBytes {
			return out[i].TxBytes > out[j].TxBytes
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// WriteReport prints a plain-text summary in tshark -z style.
func (s *Stats) WriteReport(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Packets:\t%d\n", s.packets)
	fmt.Fprintf(tw, "Bytes:\t%d\n", s.bytes)

	protos := make([]string, 0, len(s.protocols))
	for p := range s.protocols {
		protos = append(protos, p)
	}
	sort.Strings(protos)
	for _, p := range protos {
		fmt.Fprintf(tw, "%s:\t%d\n", p, s.protocols[p])
	}

	for _, e := range s.Endpoints() {
		fmt.Fprintf(tw, "%s\ttx %d pkts / %d bytes\trx %d pkts / %d bytes\n",
			e.Address, e.TxPackets, e.TxBytes, e.RxPackets, e.RxBytes)
	}
	return tw.Flush()
}
