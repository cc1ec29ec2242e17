package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrNoClasses          = errors.New("dataset directory contains no class subdirectories")
	ErrClassCountMismatch = errors.New("dataset class count does not match the model")
)

// Subset selects one side of a validation split.
type Subset string

const (
	All        Subset = ""
	Training   Subset = "training"
	Validation Subset = "validation"
)

var allowedExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
}

// ClassIndices maps a class label (subdirectory name) to its output index.
type ClassIndices map[string]int

// Labels returns the labels ordered by index.
func (c ClassIndices) Labels() []string {
	labels := make([]string, len(c))
	for label, idx := range c {
		if idx >= 0 && idx < len(labels) {
			labels[idx] = label
		}
	}
	return labels
}

func (c ClassIndices) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return fmt.Errorf("error encoding class indices: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing class indices to %s: %w", path, err)
	}
	return nil
}

func LoadClassIndices(path string) (ClassIndices, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c ClassIndices
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("error decoding class indices %s: %w", path, err)
	}
	return c, nil
}

// ClassIndicesFile is the name of the class mapping kept beside a model.
const ClassIndicesFile = "class_indices.json"

// ClassIndicesPath is where the class mapping for a model artifact is kept.
func ClassIndicesPath(modelPath string) string {
	return filepath.Join(filepath.Dir(modelPath), ClassIndicesFile)
}

// Index is the ordered listing of samples in a directory tree: classes in
// sorted order, and within each class, files in sorted order.
type Index struct {
	Files   []string
	Labels  []int
	Classes ClassIndices
}

func (idx *Index) Samples() int {
	return len(idx.Files)
}

// ClassCounts returns the number of samples per class index.
func (idx *Index) ClassCounts() []int {
	counts := make([]int, len(idx.Classes))
	for _, l := range idx.Labels {
		counts[l]++
	}
	return counts
}

// ScanDirectory lists a directory with one subdirectory per class. With a
// non-zero split, the first int(split*n) files of each class form the
// validation subset and the remaining files the training subset.
func ScanDirectory(dir string, split float64, subset Subset) (*Index, error) {
	if split < 0 || split >= 1 {
		return nil, fmt.Errorf("validation split must be in [0, 1), got %v", split)
	}
	if subset != All && split == 0 {
		return nil, fmt.Errorf("subset %q requires a non-zero validation split", subset)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading dataset directory %s: %w", dir, err)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoClasses)
	}
	sort.Strings(classes)

	idx := &Index{Classes: make(ClassIndices, len(classes))}
	for label, class := range classes {
		idx.Classes[class] = label

		files, err := listImages(filepath.Join(dir, class))
		if err != nil {
			return nil, err
		}

		start, stop := 0, len(files)
		cut := int(split * float64(len(files)))
		switch subset {
		case Validation:
			stop = cut
		case Training:
			start = cut
		}

		for _, f := range files[start:stop] {
			idx.Files = append(idx.Files, f)
			idx.Labels = append(idx.Labels, label)
		}
	}

	return idx, nil
}

func listImages(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := allowedExtensions[strings.ToLower(filepath.Ext(path))]; ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error listing images in %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
