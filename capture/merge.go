package capture

import (
	"fmt"
)

// MergeProgress is called periodically during a merge with the number of
// bytes read so far across all inputs and the total input size. Returning
// false cancels the merge.
type MergeProgress func(readBytes, totalBytes int64) bool

// ErrMergeCancelled is returned when the progress callback cancels a merge.
var ErrMergeCancelled = fmt.Errorf("capture: merge cancelled")

// mergeInput pairs a source with its buffered head record.
type mergeInput struct {
	src  Source
	head *Record
	done bool
}

func (in *mergeInput) advance() error {
	rec, err := in.src.ReadNext()
	if err == ErrEOF {
		in.head = nil
		in.done = true
		return nil
	}
	if err != nil {
		return err
	}
	in.head = rec
	return nil
}

// Merge interleaves the records of several capture files into dst in
// timestamp order. All inputs must share a link type. Progress is reported
// as a single read-so-far position aggregated across every input.
func Merge(dst string, format Format, paths []string, progress MergeProgress) error {
	if len(paths) == 0 {
		return fmt.Errorf("nothing to merge")
	}

	inputs := make([]*mergeInput, 0, len(paths))
	var total int64
	defer func() {
		for _, in := range inputs {
			in.src.Close()
		}
	}()
	for _, p := range paths {
		src, err := OpenFile(p)
		if err != nil {
			return err
		}
		in := &mergeInput{src: src}
		inputs = append(inputs, in)
		total += src.Size()
		if err := in.advance(); err != nil {
			return err
		}
	}

	first := inputs[0].src
	for _, in := range inputs[1:] {
		if in.src.LinkType() != first.LinkType() {
			return fmt.Errorf("link type mismatch: %v vs %v", in.src.LinkType(), first.LinkType())
		}
	}

	snaplen := first.Snaplen()
	for _, in := range inputs[1:] {
		if in.src.Snaplen() > snaplen {
			snaplen = in.src.Snaplen()
		}
	}

	w, err := NewWriter(dst, format, first.LinkType(), snaplen)
	if err != nil {
		return err
	}

	count := 0
	for {
		// Pick the input whose head record is earliest.
		var next *mergeInput
		for _, in := range inputs {
			if in.done {
				continue
			}
			if next == nil || in.head.Info.Timestamp.Before(next.head.Info.Timestamp) {
				next = in
			}
		}
		if next == nil {
			break
		}

		if err := w.Write(next.head, next.head.Block); err != nil {
			w.Close()
			return err
		}
		count++
		if err := next.advance(); err != nil {
			w.Close()
			return err
		}

		if progress != nil && count%64 == 0 {
			var read int64
			for _, in := range inputs {
				read += in.src.ReadSoFar()
			}
			if !progress(read, total) {
				w.Close()
				return ErrMergeCancelled
			}
		}
	}

	if _, err := w.Close(); err != nil {
		return err
	}
	return nil
}
