package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"

	"kidney-classifier/internal/dataset"
	"kidney-classifier/internal/storage"
)

// RemoteModel is a trained model kept in an object store. Location.Prefix is
// the key of the model file; its class indices, if any, sit beside it.
type RemoteModel struct {
	Provider storage.Provider
	Location storage.Location
}

// FetchModel downloads the model at loc to dest, along with the class indices
// stored next to it. A local class index file is removed when the remote model
// has none.
func FetchModel(ctx context.Context, provider storage.Provider, loc storage.Location, dest string) error {
	if loc.Prefix == "" {
		return fmt.Errorf("model location %s has no object key", loc)
	}

	dir := path.Dir(loc.Prefix)
	listPrefix := ""
	if dir != "." {
		listPrefix = dir + "/"
	}
	objects, err := provider.ListObjects(ctx, loc.Bucket, listPrefix)
	if err != nil {
		return fmt.Errorf("error listing %s: %w", loc, err)
	}

	indicesKey := path.Join(dir, dataset.ClassIndicesFile)
	var hasModel, hasIndices bool
	for _, obj := range objects {
		switch obj.Name {
		case loc.Prefix:
			hasModel = true
		case indicesKey:
			hasIndices = true
		}
	}
	if !hasModel {
		return fmt.Errorf("model %s: %w", loc, fs.ErrNotExist)
	}

	if err := provider.DownloadObject(ctx, loc.Bucket, loc.Prefix, dest); err != nil {
		return fmt.Errorf("error downloading model %s: %w", loc, err)
	}

	localIndices := dataset.ClassIndicesPath(dest)
	if !hasIndices {
		if err := os.Remove(localIndices); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		slog.Info("fetched model", "source", loc.String(), "path", dest)
		return nil
	}

	data, err := provider.GetObject(ctx, loc.Bucket, indicesKey)
	if err != nil {
		return fmt.Errorf("error reading class indices for %s: %w", loc, err)
	}
	if err := writeFileAtomic(localIndices, data); err != nil {
		return fmt.Errorf("error saving class indices: %w", err)
	}

	slog.Info("fetched model", "source", loc.String(), "path", dest, "class_indices", localIndices)
	return nil
}
