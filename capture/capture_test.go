package capture

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/Zerofisher/capfile/internal/pcaptest"
)

func writeMixed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mixed.pcap")
	pcaptest.Write(t, path, pcaptest.Mixed(t))
	return path
}

func TestFileSourceSequentialRead(t *testing.T) {
	pkts := pcaptest.Mixed(t)
	path := filepath.Join(t.TempDir(), "seq.pcap")
	pcaptest.Write(t, path, pkts)

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	for i, want := range pkts {
		rec, err := src.ReadNext()
		require.NoError(t, err, "record %d", i+1)
		require.Equal(t, want.Data, rec.Data)
		require.True(t, want.Time.Equal(rec.Info.Timestamp))
		require.Equal(t, len(want.Data), rec.Info.CaptureLength)
	}
	_, err = src.ReadNext()
	require.ErrorIs(t, err, ErrEOF)
}

func TestRecordOffsetsFollowContainerLayout(t *testing.T) {
	path := writeMixed(t)
	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	// A classic pcap file is a 24-byte global header followed by records of
	// a 16-byte header plus the captured bytes. The offsets handed out must
	// follow that layout exactly, independent of how far the underlying
	// reader has buffered ahead.
	next := int64(24)
	for {
		rec, err := src.ReadNext()
		if err == ErrEOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, next+16, rec.Offset)
		next = rec.Offset + int64(rec.Info.CaptureLength)
		require.Equal(t, next, src.ReadSoFar())
	}

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, fi.Size(), next)
}

func TestReadAtMatchesSequentialData(t *testing.T) {
	path := writeMixed(t)
	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	type stored struct {
		off    int64
		caplen int
		data   []byte
	}
	var recs []stored
	for {
		rec, err := src.ReadNext()
		if err == ErrEOF {
			break
		}
		require.NoError(t, err)
		recs = append(recs, stored{rec.Offset, rec.Info.CaptureLength, rec.Data})
	}
	require.NotEmpty(t, recs)

	// Random re-fetch by stored offset has to reproduce the bytes exactly.
	for i := len(recs) - 1; i >= 0; i-- {
		got, err := src.ReadAt(recs[i].off, recs[i].caplen)
		require.NoError(t, err)
		require.Equal(t, recs[i].data, got)
	}
}

func TestClearEOFResumesAfterGrowth(t *testing.T) {
	pkts := pcaptest.Mixed(t)
	path := filepath.Join(t.TempDir(), "grow.pcap")
	pcaptest.Write(t, path, pkts[:3])

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	for i := 0; i < 3; i++ {
		_, err := src.ReadNext()
		require.NoError(t, err)
	}
	_, err = src.ReadNext()
	require.ErrorIs(t, err, ErrEOF)

	pcaptest.Append(t, path, pkts[3:])
	require.NoError(t, src.ClearEOF())

	var got int
	for {
		rec, err := src.ReadNext()
		if err == ErrEOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, pkts[3+got].Data, rec.Data)
		got++
	}
	require.Equal(t, 3, got)
}

func TestWriterRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatPcap, FormatPcapNg} {
		t.Run(format.String(), func(t *testing.T) {
			pkts := pcaptest.Mixed(t)
			dest := filepath.Join(t.TempDir(), "out."+format.String())
			w, err := NewWriter(dest, format, layers.LinkTypeEthernet, 65535)
			require.NoError(t, err)
			for _, p := range pkts {
				err := w.Write(&Record{
					Data: p.Data,
					Info: gopacket.CaptureInfo{
						Timestamp:     p.Time,
						CaptureLength: len(p.Data),
						Length:        len(p.Data),
					},
				}, nil)
				require.NoError(t, err)
			}
			needsReload, err := w.Close()
			require.NoError(t, err)

			// Classic pcap preserves the reader's offset arithmetic; the
			// pcapng block layout does not.
			require.Equal(t, format == FormatPcapNg, needsReload)

			if format == FormatPcap {
				src, err := OpenFile(dest)
				require.NoError(t, err)
				defer src.Close()
				for i := range pkts {
					rec, err := src.ReadNext()
					require.NoError(t, err, "record %d", i+1)
					require.Equal(t, pkts[i].Data, rec.Data)
				}
			}
		})
	}
}

func TestMergeOrdersByTimestamp(t *testing.T) {
	dir := t.TempDir()
	base := pcaptest.Base()

	// Two files with interleaved timestamps.
	a := filepath.Join(dir, "a.pcap")
	pcaptest.Write(t, a, []pcaptest.Packet{
		{Data: pcaptest.UDP(t, "10.0.0.1", "10.0.0.2", 1, 2, []byte("a0")), Time: base},
		{Data: pcaptest.UDP(t, "10.0.0.1", "10.0.0.2", 1, 2, []byte("a2")), Time: base.Add(2 * time.Second)},
	})
	b := filepath.Join(dir, "b.pcap")
	pcaptest.Write(t, b, []pcaptest.Packet{
		{Data: pcaptest.UDP(t, "10.0.0.3", "10.0.0.4", 3, 4, []byte("b1")), Time: base.Add(1 * time.Second)},
		{Data: pcaptest.UDP(t, "10.0.0.3", "10.0.0.4", 3, 4, []byte("b3")), Time: base.Add(3 * time.Second)},
	})

	dest := filepath.Join(dir, "merged.pcap")
	require.NoError(t, Merge(dest, FormatPcap, []string{a, b}, nil))

	src, err := OpenFile(dest)
	require.NoError(t, err)
	defer src.Close()

	var last time.Time
	var count int
	for {
		rec, err := src.ReadNext()
		if err == ErrEOF {
			break
		}
		require.NoError(t, err)
		require.False(t, rec.Info.Timestamp.Before(last), "timestamps out of order")
		last = rec.Info.Timestamp
		count++
	}
	require.Equal(t, 4, count)
}

func TestMergeCancelledByProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.pcap")
	var pkts []pcaptest.Packet
	base := pcaptest.Base()
	for i := 0; i < 200; i++ {
		pkts = append(pkts, pcaptest.Packet{
			Data: pcaptest.UDP(t, "10.0.0.1", "10.0.0.2", 1, 2, []byte{byte(i)}),
			Time: base.Add(time.Duration(i) * time.Millisecond),
		})
	}
	pcaptest.Write(t, path, pkts)

	dest := filepath.Join(dir, "out.pcap")
	err := Merge(dest, FormatPcap, []string{path}, func(read, total int64) bool {
		return false
	})
	require.ErrorIs(t, err, ErrMergeCancelled)
}

func TestMemorySourceFeedsAndRereads(t *testing.T) {
	m := NewMemorySource(layers.LinkTypeEthernet, 65535)
	data := pcaptest.UDP(t, "10.0.0.1", "10.0.0.2", 1, 2, []byte("live"))
	m.Append(data, gopacket.CaptureInfo{
		Timestamp:     pcaptest.Base(),
		CaptureLength: len(data),
		Length:        len(data),
	}, nil)

	rec, err := m.ReadNext()
	require.NoError(t, err)
	require.Equal(t, data, rec.Data)

	_, err = m.ReadNext()
	require.ErrorIs(t, err, ErrEOF)

	got, err := m.ReadAt(rec.Offset, rec.Info.CaptureLength)
	require.NoError(t, err)
	require.Equal(t, data, got)
}
