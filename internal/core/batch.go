package core

import "fmt"

// Batch is a dense NHWC block of float32 pixels with integer class labels.
// Labels may be empty for inference batches.
type Batch struct {
	Images   []float32
	Labels   []int
	Size     int
	Height   int
	Width    int
	Channels int
	Classes  int
}

func NewBatch(size, height, width, channels, classes int) *Batch {
	return &Batch{
		Images:   make([]float32, size*height*width*channels),
		Labels:   make([]int, size),
		Size:     size,
		Height:   height,
		Width:    width,
		Channels: channels,
		Classes:  classes,
	}
}

func (b *Batch) SampleLen() int {
	return b.Height * b.Width * b.Channels
}

// Sample returns the pixel slice of sample i.
func (b *Batch) Sample(i int) []float32 {
	n := b.SampleLen()
	return b.Images[i*n : (i+1)*n]
}

// OneHot expands Labels into a Size x Classes row-major matrix.
func (b *Batch) OneHot() []float32 {
	out := make([]float32, b.Size*b.Classes)
	for i, label := range b.Labels {
		out[i*b.Classes+label] = 1
	}
	return out
}

func (b *Batch) Validate() error {
	if b.Size <= 0 {
		return fmt.Errorf("batch is empty")
	}
	if len(b.Images) != b.Size*b.SampleLen() {
		return fmt.Errorf("batch has %d pixel values, expected %d", len(b.Images), b.Size*b.SampleLen())
	}
	if len(b.Labels) != 0 && len(b.Labels) != b.Size {
		return fmt.Errorf("batch has %d labels for %d samples", len(b.Labels), b.Size)
	}
	for _, label := range b.Labels {
		if label < 0 || label >= b.Classes {
			return fmt.Errorf("label %d out of range for %d classes", label, b.Classes)
		}
	}
	return nil
}

// ArgMax returns the index of the largest value in row.
func ArgMax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
