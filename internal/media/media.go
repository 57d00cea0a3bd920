// Package media stores files participants send during a conversation and returns the
// URL the collected field keeps.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Uploader stores raw bytes and returns a reference URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Errors returned by uploaders.
var (
	ErrEmptyMedia       = errors.New("media is empty")
	ErrMediaTooLarge    = errors.New("media exceeds size limit")
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// DefaultMaxBytes caps a single upload.
const DefaultMaxBytes = 100 * 1024 * 1024

// Opts holds configuration options for the disk uploader.
type Opts struct {
	Dir      string
	BaseURL  string
	MaxBytes int64
}

// Option defines a configuration option for the disk uploader.
type Option func(*Opts)

// WithDir sets the directory files are written to.
func WithDir(dir string) Option {
	return func(o *Opts) { o.Dir = dir }
}

// WithBaseURL sets the public URL prefix the directory is served under.
func WithBaseURL(base string) Option {
	return func(o *Opts) { o.BaseURL = base }
}

// WithMaxBytes caps upload size.
func WithMaxBytes(n int64) Option {
	return func(o *Opts) { o.MaxBytes = n }
}

// DiskUploader writes uploads under a directory with random names.
type DiskUploader struct {
	dir      string
	baseURL  string
	maxBytes int64
}

// NewDiskUploader creates the upload directory if needed.
func NewDiskUploader(opts ...Option) (*DiskUploader, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("media directory not set")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	slog.Debug("DiskUploader created", "dir", cfg.Dir, "baseURL", cfg.BaseURL, "maxBytes", cfg.MaxBytes)
	return &DiskUploader{dir: cfg.Dir, baseURL: strings.TrimRight(cfg.BaseURL, "/"), maxBytes: cfg.MaxBytes}, nil
}

// Dir returns the directory uploads are written to.
func (u *DiskUploader) Dir() string {
	return u.dir
}

// Upload writes data to a new file and returns its URL.
func (u *DiskUploader) Upload(ctx context.Context, data []byte, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyMedia
	}
	if int64(len(data)) > u.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrMediaTooLarge, len(data))
	}
	ext, err := extensionFor(mimeType)
	if err != nil {
		return "", err
	}

	name := uuid.NewString() + ext
	path := filepath.Join(u.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Error("DiskUploader.Upload: write failed", "error", err, "path", path)
		return "", fmt.Errorf("failed to store media: %w", err)
	}
	slog.Debug("DiskUploader.Upload: stored", "path", path, "bytes", len(data), "mimeType", mimeType)

	if u.baseURL == "" {
		return (&url.URL{Scheme: "file", Path: path}).String(), nil
	}
	return u.baseURL + "/" + name, nil
}

var preferredExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

func extensionFor(mimeType string) (string, error) {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMedia, mimeType)
	}
	if ext, ok := preferredExt[base]; ok {
		return ext, nil
	}
	exts, err := mime.ExtensionsByType(base)
	if err != nil || len(exts) == 0 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMedia, mimeType)
	}
	return exts[0], nil
}
