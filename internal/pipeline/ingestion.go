package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"kidney-classifier/internal/config"
	"kidney-classifier/internal/ingestion"
)

// DataIngestion fetches the dataset archive and unpacks it into the unzip dir.
type DataIngestion struct {
	cfg        config.IngestionConfig
	downloader *ingestion.Downloader
}

func NewDataIngestion(cfg config.IngestionConfig, downloader *ingestion.Downloader) *DataIngestion {
	if downloader == nil {
		downloader = ingestion.NewDownloader()
	}
	return &DataIngestion{cfg: cfg, downloader: downloader}
}

// DownloadArchive downloads the source archive to the local data file. With
// the if-missing policy an existing file whose checksum matches is kept.
func (d *DataIngestion) DownloadArchive(ctx context.Context) error {
	if d.cfg.Policy == config.DownloadIfMissing {
		if _, err := os.Stat(d.cfg.LocalDataFile); err == nil {
			switch err := ingestion.VerifyChecksum(d.cfg.LocalDataFile, d.cfg.SHA256); {
			case err == nil:
				slog.Info("file already exists", "path", d.cfg.LocalDataFile, "size", ingestion.FileSize(d.cfg.LocalDataFile))
				return nil
			case errors.Is(err, ingestion.ErrChecksumMismatch):
				slog.Warn("existing archive does not match checksum, downloading again", "path", d.cfg.LocalDataFile)
			default:
				return err
			}
		}
	}

	slog.Info("downloading data", "source", d.cfg.SourceURL, "dest", d.cfg.LocalDataFile)
	n, err := d.downloader.Download(ctx, d.cfg.SourceURL, d.cfg.LocalDataFile)
	if err != nil {
		return fmt.Errorf("error downloading %s: %w", d.cfg.SourceURL, err)
	}

	if err := ingestion.VerifyChecksum(d.cfg.LocalDataFile, d.cfg.SHA256); err != nil {
		if rmErr := os.Remove(d.cfg.LocalDataFile); rmErr != nil {
			slog.Error("error removing corrupt archive", "path", d.cfg.LocalDataFile, "error", rmErr)
		}
		return err
	}

	slog.Info("downloaded data", "source", d.cfg.SourceURL, "dest", d.cfg.LocalDataFile, "bytes", n)
	return nil
}

// ExtractArchive unpacks the local data file into the unzip dir.
func (d *DataIngestion) ExtractArchive() error {
	files, err := ingestion.Extract(d.cfg.LocalDataFile, d.cfg.UnzipDir)
	if err != nil {
		return err
	}
	slog.Info("extracted archive", "path", d.cfg.LocalDataFile, "dest", d.cfg.UnzipDir, "files", files)
	return nil
}

func (d *DataIngestion) Run(ctx context.Context) error {
	if err := d.DownloadArchive(ctx); err != nil {
		return err
	}
	return d.ExtractArchive()
}
