package acquire

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fractal-lba/mmlu-prep/internal/metrics"
)

// DefaultArchiveURL is the original MMLU release tarball.
const DefaultArchiveURL = "https://people.eecs.berkeley.edu/~hendrycks/data.tar"

// archiveFileName is where the downloaded tarball is kept until it is extracted.
const archiveFileName = "mmlu_data.tar"

// ErrUnsafeArchivePath is returned when an archive member would land outside the destination.
var ErrUnsafeArchivePath = errors.New("archive entry escapes destination directory")

// ArchiveSource downloads the release tarball and extracts it wholesale.
// Its files keep the archive's own layout and are not reshaped.
type ArchiveSource struct {
	url     string
	client  *http.Client
	retry   RetryPolicy
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewArchiveSource creates an archive source. A nil client uses a client with a generous timeout.
func NewArchiveSource(url string, client *http.Client, retry RetryPolicy, m *metrics.Metrics, logger *zap.Logger) *ArchiveSource {
	if url == "" {
		url = DefaultArchiveURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSource{url: url, client: client, retry: retry, metrics: m, logger: logger}
}

// FetchArchive downloads the tarball into dataDir, extracts it there and removes the tarball.
// It returns the directory that holds the extracted split directories.
func (a *ArchiveSource) FetchArchive(ctx context.Context, dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dataDir, err)
	}

	tarPath := filepath.Join(dataDir, archiveFileName)
	if err := a.download(ctx, tarPath); err != nil {
		return "", err
	}

	if err := Extract(tarPath, dataDir, a.logger); err != nil {
		return "", err
	}

	if err := os.Remove(tarPath); err != nil {
		a.logger.Warn("failed to remove archive", zap.String("path", tarPath), zap.Error(err))
	}

	// The release tarball nests everything under data/.
	root := filepath.Join(dataDir, "data")
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		root = dataDir
	}
	return root, nil
}

func (a *ArchiveSource) download(ctx context.Context, dst string) error {
	start := time.Now()
	a.logger.Info("downloading archive", zap.String("url", a.url))

	resp, err := get(ctx, a.client, a.url, a.retry)
	if err != nil {
		return fmt.Errorf("failed to download archive: %w", err)
	}
	defer resp.Body.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", dst, err)
	}

	n, err := f.ReadFrom(resp.Body)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to write to file %s: %w", dst, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file %s: %w", dst, err)
	}

	if a.metrics != nil {
		a.metrics.ArchiveBytes.Add(float64(n))
	}
	a.logger.Info("download complete",
		zap.String("file", dst),
		zap.Int64("bytes", n),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Extract unpacks a tar (optionally gzip-compressed) archive into dst. Only directories and
// regular files are materialized; links and devices are skipped.
func Extract(archivePath, dst string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeMember(target, tr); err != nil {
				return err
			}
			files++
		default:
			logger.Debug("skipping archive member", zap.String("name", hdr.Name), zap.Uint8("type", uint8(hdr.Typeflag)))
		}
	}

	logger.Info("extracted archive", zap.String("dst", dst), zap.Int("files", files))
	return nil
}

func safeJoin(dst, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchivePath, name)
	}
	target := filepath.Join(dst, name)
	rel, err := filepath.Rel(dst, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchivePath, name)
	}
	return target, nil
}

func writeMember(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", target, err)
	}
	return out.Close()
}
