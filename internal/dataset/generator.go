package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"

	"kidney-classifier/internal/core"
)

// Generator describes how samples are preprocessed; it is shared by the
// iterators it creates.
type Generator struct {
	Rescale         float32
	ValidationSplit float64
	// Augment is nil when no random transforms are applied.
	Augment *AugmentOptions
}

type FlowOptions struct {
	// TargetSize is [height, width, channels].
	TargetSize [3]int
	BatchSize  int
	Subset     Subset
	Shuffle    bool
	Seed       uint64
	// Workers bounds how many images of a batch are decoded at once. Zero
	// means GOMAXPROCS.
	Workers int
}

// FlowFromDirectory creates an iterator over a directory with one
// subdirectory per class.
func (g Generator) FlowFromDirectory(dir string, opts FlowOptions) (*Iterator, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.TargetSize[0] <= 0 || opts.TargetSize[1] <= 0 || opts.TargetSize[2] <= 0 {
		return nil, fmt.Errorf("invalid target size %v", opts.TargetSize)
	}

	idx, err := ScanDirectory(dir, g.ValidationSplit, opts.Subset)
	if err != nil {
		return nil, err
	}

	it := &Iterator{
		index:     idx,
		generator: g,
		opts:      opts,
		rng:       rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
	it.order = make([]int, idx.Samples())
	for i := range it.order {
		it.order[i] = i
	}
	return it, nil
}

// Iterator yields batches endlessly. Each pass over the data starts by
// reshuffling (when enabled); the last batch of a pass may be short.
type Iterator struct {
	index     *Index
	generator Generator
	opts      FlowOptions
	rng       *rand.Rand

	order      []int
	batchIndex int
}

func (it *Iterator) Samples() int {
	return it.index.Samples()
}

func (it *Iterator) BatchSize() int {
	return it.opts.BatchSize
}

func (it *Iterator) ClassIndices() ClassIndices {
	return it.index.Classes
}

func (it *Iterator) Index() *Index {
	return it.index
}

func (it *Iterator) Shuffled() bool {
	return it.opts.Shuffle
}

// StepsPerEpoch is the number of full batches in one pass.
func (it *Iterator) StepsPerEpoch() int {
	return it.Samples() / it.opts.BatchSize
}

// Reset rewinds to the start of a pass.
func (it *Iterator) Reset() {
	it.batchIndex = 0
}

// NextIndices returns the sample positions of the next batch.
func (it *Iterator) NextIndices() []int {
	n := it.Samples()
	if n == 0 {
		return nil
	}

	if it.batchIndex == 0 {
		for i := range it.order {
			it.order[i] = i
		}
		if it.opts.Shuffle {
			it.rng.Shuffle(len(it.order), func(i, j int) {
				it.order[i], it.order[j] = it.order[j], it.order[i]
			})
		}
	}

	current := (it.batchIndex * it.opts.BatchSize) % n
	end := current + it.opts.BatchSize
	if n > end {
		it.batchIndex++
	} else {
		it.batchIndex = 0
		end = n
	}

	return append([]int(nil), it.order[current:end]...)
}

// Next loads the next batch of images.
func (it *Iterator) Next(ctx context.Context) (*core.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	indices := it.NextIndices()
	if len(indices) == 0 {
		return nil, fmt.Errorf("no samples to iterate over")
	}

	h, w, c := it.opts.TargetSize[0], it.opts.TargetSize[1], it.opts.TargetSize[2]
	batch := core.NewBatch(len(indices), h, w, c, len(it.index.Classes))

	// Transforms are drawn up front so the random stream does not depend on
	// decode order.
	queue := make(chan loadTask, len(indices))
	for i, sample := range indices {
		task := loadTask{slot: i, path: it.index.Files[sample]}
		if it.generator.Augment != nil {
			transform := it.generator.Augment.Sample(it.rng, w, h)
			task.transform = &transform
		}
		queue <- task
		batch.Labels[i] = it.index.Labels[sample]
	}
	close(queue)

	workers := it.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	completed := make(chan completedTask[int], len(indices))
	runInPool(func(task loadTask) (int, error) {
		img, err := DecodeFile(task.path)
		if err != nil {
			return task.slot, err
		}
		resized := Resize(img, w, h)
		if task.transform != nil {
			resized = task.transform.Apply(resized)
		}
		if err := ToArray(resized, c, it.rescale(), batch.Sample(task.slot)); err != nil {
			return task.slot, fmt.Errorf("error converting image %s: %w", task.path, err)
		}
		return task.slot, nil
	}, queue, completed, workers)

	var firstErr error
	for result := range completed {
		if result.Error != nil && firstErr == nil {
			firstErr = result.Error
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	return batch, nil
}

type loadTask struct {
	slot      int
	path      string
	transform *Transform
}

func (it *Iterator) rescale() float32 {
	if it.generator.Rescale == 0 {
		return 1
	}
	return it.generator.Rescale
}
