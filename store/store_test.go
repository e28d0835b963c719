package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zerofisher/capfile/capture"
	"github.com/Zerofisher/capfile/frame"
	"github.com/Zerofisher/capfile/internal/pcaptest"
)

func testIdent(t *testing.T) (FileIdent, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cap.pcap")
	pcaptest.Write(t, path, pcaptest.Mixed(t))
	id, err := Ident(path)
	require.NoError(t, err)
	return id, path
}

func testIndex() *frame.Index {
	ix := frame.NewIndex()
	base := time.Date(2024, 5, 14, 9, 30, 0, 0, time.UTC).UnixNano()
	for i := 0; i < 4; i++ {
		f := frame.Frame{
			FileOff: int64(24 + i*120),
			CapLen:  100 + i,
			Len:     100 + i,
			TimeNS:  base + int64(i)*int64(time.Second),
		}
		ix.Append(f)
	}
	ix.Find(2).Marked = true
	ix.Find(3).Ignored = true
	ix.Find(4).RefTime = true
	return ix
}

func TestSaveAndLoadIndexRoundTrip(t *testing.T) {
	id, path := testIdent(t)
	c, err := Open(SidecarPath(path))
	require.NoError(t, err)
	defer c.Close()

	blocks := map[uint32]*capture.Block{
		2: {Comments: []string{"first", "second"}},
	}
	require.NoError(t, c.SaveIndex(id, testIndex(), blocks))

	valid, err := c.Valid(id)
	require.NoError(t, err)
	require.True(t, valid)

	ix, got, err := c.LoadIndex()
	require.NoError(t, err)
	require.EqualValues(t, 4, ix.Len())
	for num := uint32(1); num <= 4; num++ {
		f := ix.Find(num)
		require.Equal(t, num, f.Num)
		require.Equal(t, int64(24+int(num-1)*120), f.FileOff)
	}
	require.True(t, ix.Find(2).Marked)
	require.True(t, ix.Find(3).Ignored)
	require.True(t, ix.Find(4).RefTime)
	require.Equal(t, []string{"first", "second"}, got[2].Comments)
	require.NotContains(t, got, uint32(1))
}

func TestSaveIndexReplacesPreviousContents(t *testing.T) {
	id, path := testIdent(t)
	c, err := Open(SidecarPath(path))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SaveIndex(id, testIndex(), map[uint32]*capture.Block{
		1: {Comments: []string{"stale"}},
	}))

	small := frame.NewIndex()
	small.Append(frame.Frame{FileOff: 24, CapLen: 60, Len: 60})
	require.NoError(t, c.SaveIndex(id, small, nil))

	ix, blocks, err := c.LoadIndex()
	require.NoError(t, err)
	require.EqualValues(t, 1, ix.Len())
	require.Empty(t, blocks)
}

func TestValidRejectsEmptySidecar(t *testing.T) {
	id, path := testIdent(t)
	c, err := Open(SidecarPath(path))
	require.NoError(t, err)
	defer c.Close()

	valid, err := c.Valid(id)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestValidRejectsModifiedCapture(t *testing.T) {
	id, path := testIdent(t)
	c, err := Open(SidecarPath(path))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SaveIndex(id, testIndex(), nil))

	// The capture grows after indexing; its identity no longer matches.
	pcaptest.Append(t, path, []pcaptest.Packet{{
		Data: pcaptest.UDP(t, "10.0.0.9", "10.0.0.10", 7000, 7001, []byte("late")),
		Time: pcaptest.Base().Add(time.Minute),
	}})
	grown, err := Ident(path)
	require.NoError(t, err)

	valid, err := c.Valid(grown)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestValidRejectsDifferentPath(t *testing.T) {
	id, path := testIdent(t)
	c, err := Open(SidecarPath(path))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SaveIndex(id, testIndex(), nil))

	other := id
	other.Path = filepath.Join(filepath.Dir(path), "elsewhere.pcap")
	valid, err := c.Valid(other)
	require.NoError(t, err)
	require.False(t, valid)
}
