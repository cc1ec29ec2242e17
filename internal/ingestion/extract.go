package ingestion

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Extract expands every entry of the zip archive at src into dest, creating
// dest if needed. Entries that would land outside dest are rejected.
func Extract(src, dest string) (int, error) {
	if err := os.MkdirAll(dest, os.ModePerm); err != nil {
		return 0, fmt.Errorf("error creating extraction directory %s: %w", dest, err)
	}

	r, err := zip.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("error opening archive %s: %w", src, err)
	}
	defer r.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, f := range r.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return count, fmt.Errorf("archive entry %q escapes %s", f.Name, dest)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, os.ModePerm); err != nil {
				return count, fmt.Errorf("error creating directory %s: %w", target, err)
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return count, err
		}
		count++
	}

	slog.Info("extracted archive", "archive", src, "dest", dest, "files", count)
	return count, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), os.ModePerm); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", target, err)
	}

	in, err := f.Open()
	if err != nil {
		return fmt.Errorf("error reading archive entry %s: %w", f.Name, err)
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", target, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("error extracting %s: %w", f.Name, err)
	}
	return out.Close()
}
