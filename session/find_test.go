package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindSummaryWalksView(t *testing.T) {
	cf := load(t, Options{})
	// The load selects frame 1, so the search starts at frame 2.
	num, err := cf.FindPacket(MatchSummary("example.com", false), Forward, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, num)
	sel, _ := cf.CurrentFrame()
	require.Equal(t, num, sel)

	// Repeating from the new selection lands on the response.
	num, err = cf.FindPacket(MatchSummary("example.com", false), Forward, false)
	require.NoError(t, err)
	require.EqualValues(t, 4, num)
}

func TestFindWrapsPastTheEnd(t *testing.T) {
	cf := load(t, Options{})
	require.NoError(t, cf.SelectFrame(5))

	num, err := cf.FindPacket(MatchSummary("example.com", false), Forward, true)
	require.NoError(t, err)
	require.EqualValues(t, 2, num)
}

func TestFindWithoutWrapStopsAtTheEnd(t *testing.T) {
	cf := load(t, Options{})
	require.NoError(t, cf.SelectFrame(5))

	_, err := cf.FindPacket(MatchSummary("example.com", false), Forward, false)
	require.ErrorIs(t, err, ErrNotFound)
	// A failed search leaves the selection alone.
	sel, _ := cf.CurrentFrame()
	require.EqualValues(t, 5, sel)
}

func TestFindBytesInPayload(t *testing.T) {
	cf := load(t, Options{})
	num, err := cf.FindPacket(MatchBytes([]byte("ping")), Forward, false)
	require.NoError(t, err)
	require.EqualValues(t, 6, num)
}

func TestFindSkipsHiddenFrames(t *testing.T) {
	cf := load(t, Options{})
	require.NoError(t, cf.SetDisplayFilter("tcp", false))

	// The DNS frames are indexed but not displayed, so a summary search
	// never sees them.
	_, err := cf.FindPacket(MatchSummary("example.com", false), Forward, true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindMarkedBackward(t *testing.T) {
	cf := load(t, Options{})
	require.NoError(t, cf.MarkFrame(2))
	require.NoError(t, cf.MarkFrame(5))
	require.NoError(t, cf.SelectFrame(4))

	num, err := cf.FindMarked(Backward, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, num)

	num, err = cf.FindMarked(Backward, true)
	require.NoError(t, err)
	require.EqualValues(t, 5, num)
}

func TestFindTimeReference(t *testing.T) {
	cf := load(t, Options{})
	require.NoError(t, cf.SetTimeReference(4, true))

	num, err := cf.FindTimeReference(Forward, false)
	require.NoError(t, err)
	require.EqualValues(t, 4, num)
}

func TestFindByFilterExpression(t *testing.T) {
	cf := load(t, Options{})
	p, err := CompileFindFilter("dns.flags.response")
	require.NoError(t, err)

	num, err := cf.FindPacket(MatchFilter(p), Forward, false)
	require.NoError(t, err)
	require.EqualValues(t, 4, num)
}

func TestFindWithNothingSelectedSweepsFromTheEdge(t *testing.T) {
	cf := load(t, Options{})
	cf.Unselect()

	num, err := cf.FindPacket(MatchSummary("example.com", false), Backward, false)
	require.NoError(t, err)
	require.EqualValues(t, 4, num)
}
