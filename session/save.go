package session

import (
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"

	"github.com/Zerofisher/capfile/capture"
)

// WriteStatus is the outcome of a save pass.
type WriteStatus int

const (
	WriteOK WriteStatus = iota
	WriteError
	// WriteAborted: the user stopped the save; the destination is removed
	// and the session keeps using the file it had.
	WriteAborted
)

// Save writes the capture to dest and, unless dontReopen is set, makes dest
// the session's backing file.
//
// Three strategies, cheapest applicable first:
//
//   - move: the open file is an unsaved temporary with no edits and the
//     format matches, so the file itself is renamed into place;
//   - copy: no edits and the format matches, so the bytes are copied
//     verbatim;
//   - rewrite: records are re-read and re-encoded through a container
//     writer, which is what applies format conversion, read-filter subsets
//     and comment discarding.
//
// Writes into an existing destination always go through a sibling temporary
// that is renamed over the target only once fully written, so a failed save
// never destroys the previous file. Save refuses to run while a read pass
// is active.
func (cf *CaptureFile) Save(dest string, format capture.Format, discardComments, dontReopen bool) (WriteStatus, error) {
	if cf.readLock {
		return WriteError, ErrReadInProgress
	}
	if cf.State() == StateClosed {
		return WriteError, ErrClosed
	}
	cf.fireEvent(EventSaveStarted, dest)

	// A read filter makes the index a subset of the file, so only a rewrite
	// produces a file matching what the session shows.
	_, fileBacked := cf.src.(*capture.FileSource)
	directCopy := fileBacked && format == cf.format && cf.rfilter == nil &&
		!discardComments && !cf.unsavedChanges

	var (
		moved       bool
		needsReload bool
	)
	switch {
	case directCopy && cf.isTempfile:
		// The temporary is ours alone; renaming it into place is free.
		if err := os.Rename(cf.filename, dest); err == nil {
			moved = true
			break
		}
		// Rename can fail across filesystems; fall back to copying.
		fallthrough
	case directCopy:
		if err := copyFileSafe(cf.filename, dest); err != nil {
			cf.fireEvent(EventSaveFailed, dest)
			return WriteError, err
		}
	default:
		status, reload, err := cf.rewriteRecords(dest, format, discardComments)
		if status != WriteOK {
			cf.fireEvent(EventSaveFailed, dest)
			return status, err
		}
		needsReload = reload
	}

	oldPath := cf.filename
	wasTemp := cf.isTempfile

	// Neither container writer can carry comments, so any that exist stay
	// pending and the user keeps being warned about unsaved annotations.
	saved := cf.commentCount == 0 && cf.sectionComment == "" || discardComments
	if saved {
		cf.unsavedChanges = false
	} else {
		cf.log.WithField("format", format).Warn("comments not representable in save format; kept in memory only")
	}
	if discardComments {
		cf.discardAllComments()
	}
	cf.fireEvent(EventSaveFinished, dest)

	if dontReopen {
		return WriteOK, nil
	}

	if needsReload {
		// The writer laid records out differently, so the stored offsets
		// are useless; reopen the result and read it afresh.
		if err := cf.reloadFrom(dest); err != nil {
			cf.log.WithError(err).Error("reloading saved file; closing")
			cf.Close()
		}
	} else if err := cf.adoptFile(dest, moved, oldPath, wasTemp); err != nil {
		cf.log.WithError(err).Error("reopening saved file; closing")
		cf.Close()
	}
	return WriteOK, nil
}

// rewriteRecords re-encodes every indexed frame into dest via a container
// writer, using a sibling temporary when dest already exists.
func (cf *CaptureFile) rewriteRecords(dest string, format capture.Format, discardComments bool) (WriteStatus, bool, error) {
	target := dest
	if _, err := os.Stat(dest); err == nil {
		target = dest + "~"
	}

	w, err := capture.NewWriter(target, format, cf.src.LinkType(), cf.src.Snaplen())
	if err != nil {
		return WriteError, false, err
	}
	cleanup := func() {
		w.Close()
		if target != dest {
			os.Remove(target)
		}
	}

	cf.beginPass()
	total := int64(cf.frames.Len())
	for num := uint32(1); num <= cf.frames.Len(); num++ {
		if cf.stop.Load() {
			cleanup()
			return WriteAborted, false, nil
		}
		f := cf.frames.Find(num)
		data, err := cf.src.ReadAt(f.FileOff, f.CapLen)
		if err != nil {
			cleanup()
			return WriteError, false, err
		}
		rec := &capture.Record{
			Data: data,
			Info: gopacket.CaptureInfo{
				Timestamp:     f.Timestamp(),
				CaptureLength: f.CapLen,
				Length:        f.Len,
			},
		}
		var blk *capture.Block
		if !discardComments {
			blk = cf.PacketBlock(num)
		}
		if err := w.Write(rec, blk); err != nil {
			cleanup()
			return WriteError, false, err
		}
		cf.emitProgress("Saving", int64(num), total)
	}

	needsReload, err := w.Close()
	if err != nil {
		if target != dest {
			os.Remove(target)
		}
		return WriteError, false, err
	}
	if target != dest {
		if err := os.Rename(target, dest); err != nil {
			os.Remove(target)
			return WriteError, false, err
		}
	}

	// A rewrite from anything but a plain file source produces offsets that
	// never matched the source in the first place. A read filter shifts the
	// surviving records together, so the stored offsets are stale too.
	if _, fileBacked := cf.src.(*capture.FileSource); !fileBacked || cf.rfilter != nil {
		needsReload = true
	}
	return WriteOK, needsReload, nil
}

// adoptFile switches the session's backing file to the freshly saved dest
// without touching the frame index: record layout is unchanged, so the
// stored offsets remain valid and only the metadata that depends on the
// filename needs refreshing.
func (cf *CaptureFile) adoptFile(dest string, moved bool, oldPath string, wasTemp bool) error {
	src, err := capture.OpenFile(dest)
	if err != nil {
		return err
	}
	if cf.src != nil {
		cf.src.Close()
	}
	cf.src = src
	cf.filename = dest
	cf.isTempfile = false
	cf.log = cf.log.Logger.WithField("file", dest)

	if wasTemp && !moved && oldPath != dest {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			cf.log.WithError(err).Warn("removing old temporary file")
		}
	}
	cf.recalcTimeRefs()
	return nil
}

// reloadFrom reopens dest and rebuilds the whole index by re-reading it.
func (cf *CaptureFile) reloadFrom(dest string) error {
	if err := cf.Open(dest, false); err != nil {
		return err
	}
	if status, err := cf.Read(true); status != ReadOK {
		return fmt.Errorf("rereading %s: %w", dest, err)
	}
	return nil
}

// copyFileSafe copies src to dest byte for byte, going through a sibling
// temporary when dest already exists.
func copyFileSafe(src, dest string) error {
	target := dest
	if _, err := os.Stat(dest); err == nil {
		target = dest + "~"
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(target)
		return fmt.Errorf("copy to %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(target)
		return fmt.Errorf("close %s: %w", target, err)
	}
	if target != dest {
		if err := os.Rename(target, dest); err != nil {
			os.Remove(target)
			return fmt.Errorf("rename %s: %w", target, err)
		}
	}
	return nil
}
