package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexAssignsDenseNumbers(t *testing.T) {
	ix := NewIndex()
	require.EqualValues(t, 0, ix.Len())

	for i := 0; i < 10; i++ {
		f := ix.Append(Frame{FileOff: int64(100 * i), CapLen: 60})
		require.EqualValues(t, i+1, f.Num)
	}
	require.EqualValues(t, 10, ix.Len())

	// Numbering is the index's job, whatever the caller passed in.
	f := ix.Append(Frame{Num: 999})
	require.EqualValues(t, 11, f.Num)
}

func TestIndexFindBounds(t *testing.T) {
	ix := NewIndex()
	ix.Append(Frame{CapLen: 1})

	require.Nil(t, ix.Find(0))
	require.Nil(t, ix.Find(2))
	require.NotNil(t, ix.Find(1))
}

func TestIndexPointersSurviveGrowth(t *testing.T) {
	ix := NewIndex()
	first := ix.Append(Frame{FileOff: 24})
	first.Marked = true

	// Grow well past several chunk boundaries.
	for i := 0; i < 5000; i++ {
		ix.Append(Frame{FileOff: int64(i)})
	}

	got := ix.Find(1)
	require.Same(t, first, got)
	require.True(t, got.Marked)
	require.EqualValues(t, 24, got.FileOff)
}

func TestResetDerivedKeepsUserState(t *testing.T) {
	f := Frame{
		Num:     7,
		CapLen:  60,
		Passed:  true,
		Visited: true,
		Marked:  true,
		Ignored: true,
		RefTime: true,

		CumBytes:             120,
		RefNum:               3,
		PrevDisNum:           6,
		DependentOfDisplayed: true,
		HasModifiedBlock:     true,
	}
	f.ResetDerived()

	require.False(t, f.Passed)
	require.False(t, f.Visited)
	require.Zero(t, f.CumBytes)
	require.Zero(t, f.RefNum)
	require.Zero(t, f.PrevDisNum)
	require.False(t, f.DependentOfDisplayed)

	require.True(t, f.Marked)
	require.True(t, f.Ignored)
	require.True(t, f.RefTime)
	require.True(t, f.HasModifiedBlock)
	require.EqualValues(t, 7, f.Num)
}

func TestShownInView(t *testing.T) {
	f := Frame{}
	require.False(t, f.ShownInView())
	f.Passed = true
	require.True(t, f.ShownInView())

	// A time reference is shown even when it fails the filter.
	f.Passed = false
	f.RefTime = true
	require.True(t, f.ShownInView())
}
