package dataset_test

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"kidney-classifier/internal/dataset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTree creates classes x perClass placeholder image files.
func makeTree(t *testing.T, classes []string, perClass int, real bool) string {
	t.Helper()
	dir := t.TempDir()
	for ci, class := range classes {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, class), os.ModePerm))
		for i := 0; i < perClass; i++ {
			path := filepath.Join(dir, class, fmt.Sprintf("img_%03d.png", i))
			if real {
				writePNG(t, path, uint8(ci*100+10))
			} else {
				require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
			}
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, class, "notes.txt"), []byte("skip me"), 0644))
	}
	return dir
}

func writePNG(t *testing.T, path string, v uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestScanDirectorySplit(t *testing.T) {
	dir := makeTree(t, []string{"Tumor", "Normal"}, 100, false)

	train, err := dataset.ScanDirectory(dir, 0.2, dataset.Training)
	require.NoError(t, err)
	valid, err := dataset.ScanDirectory(dir, 0.2, dataset.Validation)
	require.NoError(t, err)

	assert.Equal(t, dataset.ClassIndices{"Normal": 0, "Tumor": 1}, train.Classes)
	assert.Equal(t, []int{80, 80}, train.ClassCounts())
	assert.Equal(t, []int{20, 20}, valid.ClassCounts())

	// The validation subset is the head of each class listing.
	assert.Equal(t, filepath.Join(dir, "Normal", "img_000.png"), valid.Files[0])
	assert.Equal(t, filepath.Join(dir, "Normal", "img_020.png"), train.Files[0])

	all := append(append([]string{}, train.Files...), valid.Files...)
	sort.Strings(all)
	full, err := dataset.ScanDirectory(dir, 0, dataset.All)
	require.NoError(t, err)
	assert.Equal(t, full.Files, all)
}

func TestScanDirectoryErrors(t *testing.T) {
	_, err := dataset.ScanDirectory(t.TempDir(), 0.2, dataset.Training)
	assert.ErrorIs(t, err, dataset.ErrNoClasses)

	_, err = dataset.ScanDirectory(filepath.Join(t.TempDir(), "missing"), 0.2, dataset.Training)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = dataset.ScanDirectory(t.TempDir(), 1.5, dataset.Training)
	assert.Error(t, err)
}

func TestStepsPerEpoch(t *testing.T) {
	t.Run("TwoClasses", func(t *testing.T) {
		dir := makeTree(t, []string{"Normal", "Tumor"}, 100, false)
		gen := dataset.Generator{Rescale: dataset.DefaultRescale, ValidationSplit: 0.2}
		opts := dataset.FlowOptions{TargetSize: [3]int{4, 4, 3}, BatchSize: 20}

		opts.Subset = dataset.Training
		train, err := gen.FlowFromDirectory(dir, opts)
		require.NoError(t, err)
		opts.Subset = dataset.Validation
		valid, err := gen.FlowFromDirectory(dir, opts)
		require.NoError(t, err)

		assert.Equal(t, 160, train.Samples())
		assert.Equal(t, 8, train.StepsPerEpoch())
		assert.Equal(t, 40, valid.Samples())
		assert.Equal(t, 2, valid.StepsPerEpoch())
	})

	t.Run("EightClasses", func(t *testing.T) {
		classes := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
		dir := makeTree(t, classes, 100, false)
		gen := dataset.Generator{ValidationSplit: 0.2}
		opts := dataset.FlowOptions{TargetSize: [3]int{4, 4, 3}, BatchSize: 20}

		opts.Subset = dataset.Training
		train, err := gen.FlowFromDirectory(dir, opts)
		require.NoError(t, err)
		opts.Subset = dataset.Validation
		valid, err := gen.FlowFromDirectory(dir, opts)
		require.NoError(t, err)

		assert.Equal(t, 640, train.Samples())
		assert.Equal(t, 32, train.StepsPerEpoch())
		assert.Equal(t, 160, valid.Samples())
		assert.Equal(t, 8, valid.StepsPerEpoch())
	})

	t.Run("FloorDivision", func(t *testing.T) {
		dir := makeTree(t, []string{"Normal", "Tumor"}, 500, false)
		gen := dataset.Generator{}
		it, err := gen.FlowFromDirectory(dir, dataset.FlowOptions{TargetSize: [3]int{4, 4, 3}, BatchSize: 32})
		require.NoError(t, err)
		assert.Equal(t, 1000, it.Samples())
		assert.Equal(t, 31, it.StepsPerEpoch())
	})
}

func collectPass(it *dataset.Iterator) []int {
	var out []int
	for len(out) < it.Samples() {
		out = append(out, it.NextIndices()...)
	}
	return out
}

func TestValidationOrderingIsStable(t *testing.T) {
	dir := makeTree(t, []string{"Normal", "Tumor"}, 30, false)
	gen := dataset.Generator{ValidationSplit: 0.2}
	opts := dataset.FlowOptions{TargetSize: [3]int{4, 4, 3}, BatchSize: 5, Subset: dataset.Validation}

	first, err := gen.FlowFromDirectory(dir, opts)
	require.NoError(t, err)
	second, err := gen.FlowFromDirectory(dir, opts)
	require.NoError(t, err)

	assert.False(t, first.Shuffled())
	assert.Equal(t, 12, first.Samples())

	a, b := collectPass(first), collectPass(second)
	assert.Equal(t, a, b)
	for i := range a {
		assert.Equal(t, i, a[i])
	}
	// The next pass repeats the same order.
	assert.Equal(t, a, collectPass(first))
}

func TestTrainingShuffleCoversEverySample(t *testing.T) {
	dir := makeTree(t, []string{"Normal", "Tumor"}, 50, false)
	gen := dataset.Generator{ValidationSplit: 0.2}
	it, err := gen.FlowFromDirectory(dir, dataset.FlowOptions{
		TargetSize: [3]int{4, 4, 3}, BatchSize: 16, Subset: dataset.Training, Shuffle: true, Seed: 7,
	})
	require.NoError(t, err)

	pass := collectPass(it)
	require.Len(t, pass, 80)

	sorted := append([]int(nil), pass...)
	sort.Ints(sorted)
	for i := range sorted {
		assert.Equal(t, i, sorted[i])
	}
	assert.NotEqual(t, sorted, pass)
}

func TestIteratorBatchSizes(t *testing.T) {
	dir := makeTree(t, []string{"Normal", "Tumor"}, 5, false)
	it, err := dataset.Generator{}.FlowFromDirectory(dir, dataset.FlowOptions{TargetSize: [3]int{4, 4, 3}, BatchSize: 4})
	require.NoError(t, err)

	assert.Len(t, it.NextIndices(), 4)
	assert.Len(t, it.NextIndices(), 4)
	assert.Len(t, it.NextIndices(), 2)
	assert.Equal(t, []int{0, 1, 2, 3}, it.NextIndices())
}

func TestIteratorLoadsImages(t *testing.T) {
	dir := makeTree(t, []string{"Normal", "Tumor"}, 3, true)
	gen := dataset.Generator{Rescale: dataset.DefaultRescale}
	it, err := gen.FlowFromDirectory(dir, dataset.FlowOptions{TargetSize: [3]int{4, 5, 3}, BatchSize: 6})
	require.NoError(t, err)

	batch, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, batch.Validate())

	assert.Equal(t, 6, batch.Size)
	assert.Equal(t, 2, batch.Classes)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, batch.Labels)
	assert.InDelta(t, 10.0/255, batch.Sample(0)[0], 0.01)
	assert.InDelta(t, 110.0/255, batch.Sample(5)[0], 0.01)
}

func TestAugmentedImagesKeepShape(t *testing.T) {
	dir := makeTree(t, []string{"Normal", "Tumor"}, 2, true)
	aug := dataset.DefaultAugmentation
	gen := dataset.Generator{Rescale: dataset.DefaultRescale, Augment: &aug}
	it, err := gen.FlowFromDirectory(dir, dataset.FlowOptions{TargetSize: [3]int{6, 6, 3}, BatchSize: 4, Shuffle: true, Seed: 1})
	require.NoError(t, err)

	batch, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch.Images, 4*6*6*3)
	for _, v := range batch.Images {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestIdentityTransform(t *testing.T) {
	m := dataset.Transform{Zx: 1, Zy: 1}.Matrix(10, 8)
	assert.InDeltaSlice(t, []float64{1, 0, 0, 0, 1, 0}, m[:], 1e-9)

	flipped := dataset.Transform{Zx: 1, Zy: 1, Flip: true}.Matrix(10, 8)
	assert.InDeltaSlice(t, []float64{-1, 0, 10, 0, 1, 0}, flipped[:], 1e-9)
}

func TestClassIndicesRoundTrip(t *testing.T) {
	path := dataset.ClassIndicesPath(filepath.Join(t.TempDir(), "training", "model.h5"))
	require.NoError(t, dataset.ClassIndices{"Normal": 0, "Tumor": 1}.Save(path))

	loaded, err := dataset.LoadClassIndices(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Normal", "Tumor"}, loaded.Labels())
}

func TestParallelDecodingIsDeterministic(t *testing.T) {
	dir := makeTree(t, []string{"Normal", "Tumor"}, 4, true)
	aug := dataset.DefaultAugmentation
	gen := dataset.Generator{Rescale: dataset.DefaultRescale, Augment: &aug}

	load := func(workers int) []float32 {
		it, err := gen.FlowFromDirectory(dir, dataset.FlowOptions{
			TargetSize: [3]int{6, 6, 3}, BatchSize: 8, Shuffle: true, Seed: 7, Workers: workers,
		})
		require.NoError(t, err)
		batch, err := it.Next(context.Background())
		require.NoError(t, err)
		return batch.Images
	}

	assert.Equal(t, load(1), load(4))
}

func TestIteratorReportsUnreadableImages(t *testing.T) {
	dir := makeTree(t, []string{"Normal", "Tumor"}, 2, false)
	it, err := dataset.Generator{}.FlowFromDirectory(dir, dataset.FlowOptions{TargetSize: [3]int{4, 4, 3}, BatchSize: 4, Workers: 2})
	require.NoError(t, err)

	_, err = it.Next(context.Background())
	assert.Error(t, err)
}
