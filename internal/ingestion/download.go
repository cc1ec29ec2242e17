package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

var ErrChecksumMismatch = errors.New("archive checksum mismatch")

type Downloader struct {
	client   *resty.Client
	progress bool
}

// NewDownloader returns a downloader that shows a progress bar when stdout is
// a terminal.
func NewDownloader() *Downloader {
	return &Downloader{
		client:   resty.New(),
		progress: isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
	}
}

// NewDownloaderWithClient is used by tests to point the downloader at a local server.
func NewDownloaderWithClient(client *resty.Client, progress bool) *Downloader {
	return &Downloader{client: client, progress: progress}
}

var (
	driveFilePattern = regexp.MustCompile(`^/file/d/([^/]+)`)
)

// DirectURL rewrites Google Drive share links into direct download links. Other
// URLs are returned unchanged.
func DirectURL(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.Host != "drive.google.com" {
		return source
	}

	var id string
	if m := driveFilePattern.FindStringSubmatch(u.Path); m != nil {
		id = m[1]
	} else if u.Path == "/open" || u.Path == "/uc" {
		id = u.Query().Get("id")
	}
	if id == "" {
		return source
	}

	q := url.Values{}
	q.Set("id", id)
	q.Set("export", "download")
	q.Set("confirm", "t")
	return "https://drive.google.com/uc?" + q.Encode()
}

// Download fetches source into dest, replacing any existing file. The body is
// streamed to a temporary file in the destination directory and renamed into
// place once complete.
func (d *Downloader) Download(ctx context.Context, source, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return 0, fmt.Errorf("error creating directory for %s: %w", dest, err)
	}

	target := DirectURL(source)
	slog.Info("downloading archive", "url", target, "dest", dest)

	res, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(target)
	if err != nil {
		return 0, fmt.Errorf("error downloading %s: %w", target, err)
	}
	body := res.RawBody()
	defer body.Close()

	if !res.IsSuccess() {
		return 0, fmt.Errorf("error downloading %s: server returned %s", target, res.Status())
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("error creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	if d.progress {
		bar := progressbar.DefaultBytes(res.RawResponse.ContentLength, "downloading")
		w = io.MultiWriter(tmp, bar)
	}

	n, err := io.Copy(w, body)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("error writing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("error closing %s: %w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("error moving download into %s: %w", dest, err)
	}

	return n, nil
}

func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("error hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum checks path against the expected hex digest. An empty
// expectation always passes.
func VerifyChecksum(path, expected string) error {
	if expected == "" {
		return nil
	}
	actual, err := FileSHA256(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("%w: %s has sha256 %s, expected %s", ErrChecksumMismatch, path, actual, expected)
	}
	return nil
}

// FileSize formats the size of path in kilobytes, e.g. "~ 12 KB".
func FileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "~ 0 KB"
	}
	return fmt.Sprintf("~ %d KB", int64(math.Round(float64(info.Size())/1024)))
}
