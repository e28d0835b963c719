package frame

// chunkSize is the number of frames per allocation chunk. Chunked storage
// keeps Append amortized O(1) without ever moving existing frames, so a
// *Frame obtained from Find stays valid while new records keep arriving
// during a live tail.
const chunkSize = 1024

// Index is the append-only, randomly indexable sequence of frames, keyed by
// 1-based frame number. Interior frames are never removed; the whole index
// is discarded on file close.
type Index struct {
	chunks [][]Frame
	count  uint32
}

// NewIndex returns an empty frame index.
func NewIndex() *Index {
	return &Index{}
}

// Len returns the number of frames in the index.
func (ix *Index) Len() uint32 {
	return ix.count
}

// Append adds a frame to the index, assigns it the next frame number and
// returns the stored frame. The caller's Num field is overwritten: numbering
// is the index's job.
func (ix *Index) Append(f Frame) *Frame {
	if ix.count%chunkSize == 0 {
		ix.chunks = append(ix.chunks, make([]Frame, 0, chunkSize))
	}
	ix.count++
	f.Num = ix.count
	last := len(ix.chunks) - 1
	ix.chunks[last] = append(ix.chunks[last], f)
	return &ix.chunks[last][len(ix.chunks[last])-1]
}

// Find returns the frame with the given number, or nil if the number is 0 or
// past the end of the index.
func (ix *Index) Find(num uint32) *Frame {
	if num == 0 || num > ix.count {
		return nil
	}
	i := num - 1
	return &ix.chunks[i/chunkSize][i%chunkSize]
}

// ResetDerived clears dissection-derived state on the frame with the given
// number without discarding the index slot.
func (ix *Index) ResetDerived(num uint32) {
	if f := ix.Find(num); f != nil {
		f.ResetDerived()
	}
}

// Destroy releases the whole index. Called only on file close.
func (ix *Index) Destroy() {
	ix.chunks = nil
	ix.count = 0
}
