package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

type Object struct {
	Name string
	Size int64
}

// Provider is an object store that model artifacts are logged to and served
// from.
type Provider interface {
	CreateBucket(ctx context.Context, bucket string) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	DownloadObject(ctx context.Context, bucket, key, filename string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)
}

// Location is a bucket and key prefix, parsed from a URI like s3://bucket/prefix.
type Location struct {
	Scheme string
	Bucket string
	Prefix string
}

func ParseLocation(uri string) (Location, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("invalid artifact location %q: %w", uri, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Location{}, fmt.Errorf("artifact location %q must have the form scheme://bucket/prefix", uri)
	}
	return Location{Scheme: u.Scheme, Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
}

func (l Location) Key(parts ...string) string {
	return path.Join(append([]string{l.Prefix}, parts...)...)
}

func (l Location) String() string {
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Prefix)
}

// UploadFile puts the file at src under key.
func UploadFile(ctx context.Context, p Provider, bucket, key, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", src, err)
	}
	defer f.Close()

	return p.PutObject(ctx, bucket, key, f)
}

// UploadPath uploads src under prefix. A directory is uploaded recursively,
// keeping its relative layout. It returns the keys written.
func UploadPath(ctx context.Context, p Provider, bucket, prefix, src string) ([]string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		key := path.Join(prefix, filepath.Base(src))
		return []string{key}, UploadFile(ctx, p, bucket, key, src)
	}

	var keys []string
	root := filepath.Dir(src)
	err = filepath.WalkDir(src, func(file string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, file)
		if err != nil {
			return err
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		if err := UploadFile(ctx, p, bucket, key, file); err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	return keys, err
}
