package session

import (
	"fmt"

	"github.com/Zerofisher/capfile/capture"
)

// PacketBlock returns the effective annotation block for a frame: the
// edited overlay when one exists, otherwise whatever the container carried.
// nil means the frame has no annotations at all.
func (cf *CaptureFile) PacketBlock(num uint32) *capture.Block {
	f := cf.Frame(num)
	if f == nil {
		return nil
	}
	if f.HasModifiedBlock {
		return cf.modifiedBlocks[num]
	}
	return cf.srcBlocks[num]
}

// SetPacketBlock installs an edited annotation block for a frame, shadowing
// the container's block until the file is saved. The total comment count is
// adjusted by the delta between old and new block, so it never needs a full
// recount.
func (cf *CaptureFile) SetPacketBlock(num uint32, b *capture.Block) error {
	f := cf.Frame(num)
	if f == nil {
		return fmt.Errorf("%w: %d", ErrFrameNotFound, num)
	}
	old := cf.PacketBlock(num)
	cf.commentCount += b.CommentCount() - old.CommentCount()
	cf.modifiedBlocks[num] = b.Clone()
	f.HasModifiedBlock = true
	cf.unsavedChanges = true
	return nil
}

// AddPacketComment appends one comment to a frame's annotation block.
func (cf *CaptureFile) AddPacketComment(num uint32, comment string) error {
	b := cf.PacketBlock(num).Clone()
	b.Comments = append(b.Comments, comment)
	return cf.SetPacketBlock(num, b)
}

// SectionComment returns the file-level comment.
func (cf *CaptureFile) SectionComment() string { return cf.sectionComment }

// SetSectionComment replaces the file-level comment.
func (cf *CaptureFile) SetSectionComment(s string) {
	if s == cf.sectionComment {
		return
	}
	cf.sectionComment = s
	cf.unsavedChanges = true
}

// discardAllComments drops every packet comment, overlay and container
// alike, after a save that was told to leave them out.
func (cf *CaptureFile) discardAllComments() {
	for num := uint32(1); num <= cf.frames.Len(); num++ {
		if f := cf.frames.Find(num); f != nil {
			f.HasModifiedBlock = false
		}
	}
	cf.modifiedBlocks = make(map[uint32]*capture.Block)
	cf.srcBlocks = make(map[uint32]*capture.Block)
	cf.sectionComment = ""
	cf.commentCount = 0
}
