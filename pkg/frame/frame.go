// Package frame defines the fixed-size feature vector that flows through the
// decoding pipeline's shared feature buffer, along with validation helpers
// shared by every producer and consumer.
package frame

import "fmt"

// Frame is a single vector of feature coefficients spanning one analysis
// window of audio. Dimension is fixed at pipeline construction time and must
// be identical across the producer and every consumer of a given feature
// buffer.
type Frame []float32

// Dim is the dimensionality of a [Frame] as configured for a pipeline.
type Dim int

// Validate checks that f has exactly d coefficients.
func (d Dim) Validate(f Frame) error {
	if len(f) != int(d) {
		return fmt.Errorf("frame: expected dimension %d, got %d", d, len(f))
	}
	return nil
}

// New allocates a zeroed Frame of dimension d.
func (d Dim) New() Frame {
	return make(Frame, d)
}

// CopyInto copies src into dst, which must already have length d. It exists
// so that consumers can reuse a single scratch buffer across calls instead of
// allocating a fresh Frame per frame index — sync-sequence frames are handed
// to callers strictly by copy (see package syncseq), never by reference.
func (d Dim) CopyInto(dst, src Frame) error {
	if len(dst) != int(d) {
		return fmt.Errorf("frame: scratch buffer has dimension %d, want %d", len(dst), d)
	}
	if err := d.Validate(src); err != nil {
		return err
	}
	copy(dst, src)
	return nil
}
