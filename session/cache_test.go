package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zerofisher/capfile/internal/pcaptest"
	"github.com/Zerofisher/capfile/store"
)

func pcaptestAppendOne(t *testing.T, path string) {
	t.Helper()
	pcaptest.Append(t, path, []pcaptest.Packet{{
		Data: pcaptest.UDP(t, "10.0.0.9", "10.0.0.10", 7000, 7001, []byte("more")),
		Time: pcaptest.Base().Add(10 * time.Second),
	}})
}

func openSidecar(t *testing.T, path string) *store.Cache {
	t.Helper()
	c, err := store.Open(store.SidecarPath(path))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenCachedBuildsAndReusesSidecar(t *testing.T) {
	path := writeMixedFile(t)
	c := openSidecar(t, path)

	// First open: no sidecar yet, a full read builds and saves one.
	first := New(Options{})
	used, err := first.OpenCached(path, c)
	require.NoError(t, err)
	require.False(t, used)
	require.EqualValues(t, 6, first.Count())
	require.NoError(t, first.MarkFrame(3))
	require.NoError(t, first.AddPacketComment(5, "seen this before"))
	require.NoError(t, first.SaveSidecar(c))
	first.Close()

	// Second open: the sidecar is valid and replaces the container parse.
	second := New(Options{})
	used, err = second.OpenCached(path, c)
	require.NoError(t, err)
	require.True(t, used)
	t.Cleanup(second.Close)

	require.Equal(t, StateReadDone, second.State())
	require.EqualValues(t, 6, second.Count())
	require.EqualValues(t, 6, second.DisplayedCount())
	require.True(t, second.Frame(3).Marked)
	require.EqualValues(t, 1, second.MarkedCount())
	require.Equal(t, 1, second.CommentCount())
	require.Equal(t, []string{"seen this before"}, second.PacketBlock(5).Comments)

	// The restored index still resolves raw bytes and filters normally.
	data, err := second.PacketData(6)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	require.NoError(t, second.SetDisplayFilter("dns", false))
	require.EqualValues(t, 2, second.DisplayedCount())
}

func TestOpenCachedRejectsStaleSidecarAfterFileGrowth(t *testing.T) {
	path := writeMixedFile(t)
	c := openSidecar(t, path)

	first := New(Options{})
	used, err := first.OpenCached(path, c)
	require.NoError(t, err)
	require.False(t, used)
	first.Close()

	// Growing the capture invalidates the sidecar; the next open falls
	// back to a full read and refreshes it.
	pcaptestAppendOne(t, path)
	second := New(Options{})
	used, err = second.OpenCached(path, c)
	require.NoError(t, err)
	require.False(t, used)
	require.EqualValues(t, 7, second.Count())
	second.Close()

	third := New(Options{})
	used, err = third.OpenCached(path, c)
	require.NoError(t, err)
	require.True(t, used)
	require.EqualValues(t, 7, third.Count())
	third.Close()
}

func TestSaveSidecarRequiresFinishedFileSession(t *testing.T) {
	path := writeMixedFile(t)
	c := openSidecar(t, path)

	cf := New(Options{})
	require.NoError(t, cf.Open(path, false))
	t.Cleanup(cf.Close)
	// Still read-in-progress.
	require.Error(t, cf.SaveSidecar(c))
}
