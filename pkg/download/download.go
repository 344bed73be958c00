// Package download streams export archives to disk.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/notion-exporter/pkg/client"
	"github.com/Sternrassler/notion-exporter/pkg/export"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for downloads.
var (
	notionDownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notion_downloads_total",
		Help: "Total archive downloads by result",
	}, []string{"result"})

	notionDownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notion_download_bytes_total",
		Help: "Total bytes of archives written to disk",
	})
)

// Opener starts an archive download. On success the caller owns the body.
type Opener interface {
	OpenDownload(ctx context.Context, url string) (*http.Response, error)
}

// Downloader writes archives to disk.
type Downloader struct {
	opener Opener
	logger zerolog.Logger
}

// New creates a downloader.
func New(opener Opener, logger zerolog.Logger) *Downloader {
	return &Downloader{opener: opener, logger: logger}
}

// Download streams url into a new file in dir named after prefix and
// returns its path. The file is written under a temporary name and renamed
// once complete; on any failure nothing is left behind. Errors are
// *export.DownloadError.
func (d *Downloader) Download(ctx context.Context, url, dir, prefix string) (string, error) {
	start := time.Now()

	resp, err := d.opener.OpenDownload(ctx, url)
	if err != nil {
		notionDownloadsTotal.WithLabelValues("error").Inc()
		return "", &export.DownloadError{URL: url, StatusCode: client.StatusCode(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		notionDownloadsTotal.WithLabelValues("error").Inc()
		return "", &export.DownloadError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	if prefix == "" {
		prefix = "export"
	}
	tmp, err := os.CreateTemp(dir, "."+prefix+"-*.part")
	if err != nil {
		notionDownloadsTotal.WithLabelValues("error").Inc()
		return "", &export.DownloadError{URL: url, Err: fmt.Errorf("create file: %w", err)}
	}
	tmpPath := tmp.Name()

	n, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(tmpPath)
		notionDownloadsTotal.WithLabelValues("error").Inc()
		return "", &export.DownloadError{URL: url, Err: fmt.Errorf("write archive: %w", copyErr)}
	}

	final := strings.TrimSuffix(tmpPath, ".part") + ".zip"
	final = filepath.Join(dir, strings.TrimPrefix(filepath.Base(final), "."))
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		notionDownloadsTotal.WithLabelValues("error").Inc()
		return "", &export.DownloadError{URL: url, Err: fmt.Errorf("rename archive: %w", err)}
	}

	notionDownloadsTotal.WithLabelValues("success").Inc()
	notionDownloadBytesTotal.Add(float64(n))
	d.logger.Debug().
		Str("path", final).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("Archive downloaded")

	return final, nil
}
