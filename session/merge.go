package session

import (
	"os"

	"github.com/Zerofisher/capfile/capture"
)

// MergeToTempfile merges several capture files in timestamp order into a
// fresh temporary file and returns its path. The caller opens the result as
// a tempfile session; saving it later promotes it to a real file via the
// move strategy.
func MergeToTempfile(format capture.Format, paths []string, progress capture.MergeProgress) (string, error) {
	tmp, err := os.CreateTemp("", "capfile_merge_*."+format.String())
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	tmp.Close()

	if err := capture.Merge(name, format, paths, progress); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// OpenMerged merges paths and opens the result as the session's file. The
// merged file is a temporary until saved.
func (cf *CaptureFile) OpenMerged(format capture.Format, paths []string) error {
	progress := func(read, total int64) bool {
		cf.emitProgress("Merging", read, total)
		return !cf.stop.Load()
	}
	cf.beginPass()
	name, err := MergeToTempfile(format, paths, progress)
	if err != nil {
		return err
	}
	if err := cf.Open(name, true); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
