package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrBundleTooLarge is returned when a bundle exceeds the configured size
var ErrBundleTooLarge = errors.New("bundle exceeds size limit")

// LoaderConfig configures bundle resolution
type LoaderConfig struct {
	BaseDir      string        // root for relative locations
	MaxBytes     int64         // decompressed size limit
	FetchTimeout time.Duration // remote fetch timeout
}

// BundleLoader resolves a manifest bundle location to JavaScript source.
// Relative paths are read below BaseDir, http(s) URLs are fetched once.
// Locations ending in .gz or .zst are decompressed.
type BundleLoader struct {
	cfg    LoaderConfig
	client *resty.Client
}

// NewBundleLoader creates a loader. Remote fetches are never retried.
func NewBundleLoader(cfg LoaderConfig) *BundleLoader {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "."
	}

	client := resty.New().
		SetTimeout(cfg.FetchTimeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/javascript, text/javascript, text/plain")

	return &BundleLoader{cfg: cfg, client: client}
}

// Load returns the bundle source for location
func (l *BundleLoader) Load(ctx context.Context, location string) (string, error) {
	var (
		body io.ReadCloser
		err  error
	)
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		body, err = l.fetch(ctx, location)
	} else {
		body, err = l.open(location)
	}
	if err != nil {
		return "", err
	}
	defer body.Close()

	reader, closeFn, err := decompress(location, body)
	if err != nil {
		return "", err
	}
	defer closeFn()

	data, err := io.ReadAll(io.LimitReader(reader, l.cfg.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read bundle %s: %w", location, err)
	}
	if int64(len(data)) > l.cfg.MaxBytes {
		return "", fmt.Errorf("%w: %s is larger than %d bytes", ErrBundleTooLarge, location, l.cfg.MaxBytes)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("bundle %s is empty", location)
	}
	if !isText(data) {
		return "", fmt.Errorf("bundle %s is %s, not JavaScript source", location, mimetype.Detect(data).String())
	}
	return string(data), nil
}

func (l *BundleLoader) open(location string) (io.ReadCloser, error) {
	base, err := filepath.Abs(l.cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve bundle directory: %w", err)
	}
	full := filepath.Join(base, filepath.FromSlash(location))
	rel, err := filepath.Rel(base, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("bundle %s escapes %s", location, base)
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	return f, nil
}

func (l *BundleLoader) fetch(ctx context.Context, location string) (io.ReadCloser, error) {
	resp, err := l.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(location)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle: %w", err)
	}
	body := resp.RawBody()
	if !resp.IsSuccess() {
		if body != nil {
			body.Close()
		}
		return nil, fmt.Errorf("fetch bundle %s: unexpected status %d", location, resp.StatusCode())
	}
	if body == nil {
		return nil, fmt.Errorf("fetch bundle %s: empty response", location)
	}
	return body, nil
}

func decompress(location string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(location, ".gz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gunzip bundle: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(location, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd bundle: %w", err)
		}
		return zr, zr.Close, nil
	}
	return r, func() {}, nil
}

// isText accepts any text/* type (JavaScript is detected as text/javascript,
// a child of text/plain)
func isText(data []byte) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
