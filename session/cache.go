package session

import (
	"fmt"

	"github.com/Zerofisher/capfile/capture"
	"github.com/Zerofisher/capfile/store"
)

// SaveSidecar persists the frame index and annotations to a sidecar cache
// so the next open of the same file can skip container parsing.
func (cf *CaptureFile) SaveSidecar(c *store.Cache) error {
	if cf.State() != StateReadDone {
		return fmt.Errorf("session: sidecar save in state %s", cf.State())
	}
	fs, ok := cf.src.(*capture.FileSource)
	if !ok {
		return fmt.Errorf("session: only file-backed sessions can have a sidecar")
	}
	id, err := store.Ident(fs.Path())
	if err != nil {
		return err
	}

	// Persist the effective annotations: container blocks shadowed by any
	// edited overlay.
	blocks := make(map[uint32]*capture.Block, len(cf.srcBlocks)+len(cf.modifiedBlocks))
	for num, b := range cf.srcBlocks {
		blocks[num] = b
	}
	for num, b := range cf.modifiedBlocks {
		blocks[num] = b
	}
	return c.SaveIndex(id, cf.frames, blocks)
}

// OpenCached opens a capture file, using the sidecar's index when it is
// still valid for the file. With a valid sidecar the container is not
// parsed again: the stored frame index is installed directly and a scan
// pass rebuilds the view by re-dissecting from the stored offsets. A stale
// or empty sidecar falls back to a normal read and is refreshed afterwards.
// The return value reports whether the cache was used.
func (cf *CaptureFile) OpenCached(path string, c *store.Cache) (bool, error) {
	id, err := store.Ident(path)
	if err != nil {
		return false, err
	}
	valid, err := c.Valid(id)
	if err != nil {
		cf.log.WithError(err).Warn("sidecar validation failed; reindexing")
		valid = false
	}

	if !valid {
		if err := cf.Open(path, false); err != nil {
			return false, err
		}
		if status, err := cf.Read(false); status != ReadOK {
			return false, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := cf.SaveSidecar(c); err != nil {
			cf.log.WithError(err).Warn("refreshing sidecar")
		}
		return false, nil
	}

	if err := cf.Open(path, false); err != nil {
		return false, err
	}
	ix, blocks, err := c.LoadIndex()
	if err != nil {
		cf.log.WithError(err).Warn("loading sidecar; falling back to a full read")
		if status, err := cf.Read(false); status != ReadOK {
			return false, fmt.Errorf("reading %s: %w", path, err)
		}
		return false, nil
	}

	cf.frames = ix
	cf.srcBlocks = blocks
	cf.commentCount = 0
	cf.markedCount = 0
	cf.ignoredCount = 0
	cf.refTimeCount = 0
	for _, b := range blocks {
		cf.commentCount += b.CommentCount()
	}
	for num := uint32(1); num <= ix.Len(); num++ {
		f := ix.Find(num)
		if f.Marked {
			cf.markedCount++
		}
		if f.Ignored {
			cf.ignoredCount++
		}
		if f.RefTime {
			cf.refTimeCount++
		}
	}
	cf.fire(triggerFinish)
	cf.fireEvent(EventReadFinished, path)

	// Dissection still has to happen once to build the filtered view and
	// feed the taps; the sidecar only saved the container parse.
	cf.rescanPackets(false)
	return true, nil
}
