package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Zerofisher/capfile/capture"
	"github.com/Zerofisher/capfile/filter"
	"github.com/Zerofisher/capfile/internal/pcaptest"
)

// reopen loads dest in a fresh session and returns its frame count.
func reopenCount(t *testing.T, dest string) uint32 {
	t.Helper()
	cf := New(Options{})
	require.NoError(t, cf.Open(dest, false))
	defer cf.Close()
	_, err := cf.Read(false)
	require.NoError(t, err)
	return cf.Count()
}

func TestSaveCopiesUnchangedFile(t *testing.T) {
	cf := load(t, Options{})
	orig := cf.Filename()
	dest := filepath.Join(t.TempDir(), "copy.pcap")

	status, err := cf.Save(dest, capture.FormatPcap, false, false)
	require.NoError(t, err)
	require.Equal(t, WriteOK, status)

	// The session now reads from the saved file; the original is intact
	// and the frame index survived untouched.
	require.Equal(t, dest, cf.Filename())
	require.False(t, cf.IsTempfile())
	require.EqualValues(t, 6, cf.Count())
	require.EqualValues(t, 6, cf.DisplayedCount())
	_, err = os.Stat(orig)
	require.NoError(t, err)
	require.EqualValues(t, 6, reopenCount(t, dest))

	// Offsets still resolve against the new backing file.
	data, err := cf.PacketData(3)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestSaveMovesTempfile(t *testing.T) {
	// Build a "just captured" temporary by copying the fixture.
	dir := t.TempDir()
	tmp := filepath.Join(dir, "capfile_tmp.pcap")
	pcaptest.Write(t, tmp, pcaptest.Mixed(t))

	cf := New(Options{})
	require.NoError(t, cf.Open(tmp, true))
	defer cf.Close()
	_, err := cf.Read(false)
	require.NoError(t, err)
	require.True(t, cf.IsTempfile())

	dest := filepath.Join(dir, "kept.pcap")
	status, err := cf.Save(dest, capture.FormatPcap, false, false)
	require.NoError(t, err)
	require.Equal(t, WriteOK, status)

	require.Equal(t, dest, cf.Filename())
	require.False(t, cf.IsTempfile())
	_, err = os.Stat(tmp)
	require.True(t, os.IsNotExist(err), "temporary should have been moved away")
	require.EqualValues(t, 6, reopenCount(t, dest))
}

func TestSaveRewritesWhenIndexDiffersFromFile(t *testing.T) {
	rf, err := filter.Compile("udp")
	require.NoError(t, err)
	cf := load(t, Options{ReadFilter: rf})
	require.EqualValues(t, 3, cf.Count())

	dest := filepath.Join(t.TempDir(), "udp-only.pcap")
	status, err := cf.Save(dest, capture.FormatPcap, false, true)
	require.NoError(t, err)
	require.Equal(t, WriteOK, status)

	// Only the indexed subset was written.
	require.EqualValues(t, 3, reopenCount(t, dest))
}

func TestSaveSafeSaveKeepsExistingFileOnOverwrite(t *testing.T) {
	cf := load(t, Options{})
	dest := filepath.Join(t.TempDir(), "existing.pcap")
	require.NoError(t, os.WriteFile(dest, []byte("precious"), 0644))

	status, err := cf.Save(dest, capture.FormatPcap, false, false)
	require.NoError(t, err)
	require.Equal(t, WriteOK, status)

	// The temporary sibling was renamed over the target and removed.
	_, err = os.Stat(dest + "~")
	require.True(t, os.IsNotExist(err))
	require.EqualValues(t, 6, reopenCount(t, dest))
}

func TestSaveToPcapNg(t *testing.T) {
	cf := load(t, Options{})
	require.NoError(t, cf.AddPacketComment(2, "note"))

	dest := filepath.Join(t.TempDir(), "out.pcapng")
	status, err := cf.Save(dest, capture.FormatPcapNg, false, true)
	require.NoError(t, err)
	require.Equal(t, WriteOK, status)

	// The pcapng writer drops annotation blocks like the classic one does,
	// so the comment must stay flagged as an unsaved edit, not be reported
	// as persisted.
	require.True(t, cf.UnsavedChanges())
	require.Equal(t, 1, cf.CommentCount())

	fi, err := os.Stat(dest)
	require.NoError(t, err)
	require.Greater(t, fi.Size(), int64(0))
}

func TestSaveWithoutCommentsClearsUnsavedChanges(t *testing.T) {
	cf := load(t, Options{})
	require.NoError(t, cf.AddPacketComment(2, "note"))

	dest := filepath.Join(t.TempDir(), "out.pcapng")
	status, err := cf.Save(dest, capture.FormatPcapNg, true, true)
	require.NoError(t, err)
	require.Equal(t, WriteOK, status)

	// Discarding was explicit, so nothing is pending afterwards.
	require.False(t, cf.UnsavedChanges())
	require.Equal(t, 0, cf.CommentCount())
}

func TestSaveKeepsCommentsPendingWhenFormatCannotCarryThem(t *testing.T) {
	cf := load(t, Options{})
	require.NoError(t, cf.AddPacketComment(2, "note"))
	require.True(t, cf.UnsavedChanges())

	dest := filepath.Join(t.TempDir(), "flat.pcap")
	status, err := cf.Save(dest, capture.FormatPcap, false, false)
	require.NoError(t, err)
	require.Equal(t, WriteOK, status)

	// Classic pcap has no room for comments; they stay as unsaved edits.
	require.True(t, cf.UnsavedChanges())
	require.Equal(t, 1, cf.CommentCount())
	require.EqualValues(t, 6, reopenCount(t, dest))
}

func TestSaveDiscardComments(t *testing.T) {
	cf := load(t, Options{})
	require.NoError(t, cf.AddPacketComment(2, "note"))
	cf.SetSectionComment("whole-file note")

	dest := filepath.Join(t.TempDir(), "bare.pcap")
	status, err := cf.Save(dest, capture.FormatPcap, true, false)
	require.NoError(t, err)
	require.Equal(t, WriteOK, status)

	require.Zero(t, cf.CommentCount())
	require.Empty(t, cf.SectionComment())
	require.False(t, cf.UnsavedChanges())
	require.False(t, cf.Frame(2).HasModifiedBlock)
	require.Nil(t, cf.PacketBlock(2))
}

func TestSaveAbortedByProgress(t *testing.T) {
	rf, err := filter.Compile("udp") // force the rewrite strategy
	require.NoError(t, err)
	cf := load(t, Options{ReadFilter: rf})
	cf.SetProgress(func(action string, fraction float64) bool {
		return action != "Saving"
	})

	dest := filepath.Join(t.TempDir(), "aborted.pcap")
	status, err := cf.Save(dest, capture.FormatPcap, false, false)
	require.NoError(t, err)
	require.Equal(t, WriteAborted, status)

	// The session still uses the file it had.
	require.NotEqual(t, dest, cf.Filename())
	require.EqualValues(t, 3, cf.Count())
}
