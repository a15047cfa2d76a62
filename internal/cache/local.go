package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"metamorph/internal/conv"
)

// Local is the single-node development cache: artifacts are copied into a
// directory and looked up by scanning for {hash}.{ext} across the known
// extensions. There is no freshness or revalidation metadata; records never
// expire.
type Local struct {
	dir      string
	endpoint string
	logger   *slog.Logger
}

var localExtensions = []string{".ktx2", ".mp4", ".ogv"}

// NewLocal creates the directory-backed cache rooted at dir.
func NewLocal(dir, endpoint string, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare local cache dir: %w", err)
	}
	return &Local{dir: dir, endpoint: ensureTrailingSlash(endpoint), logger: logger}, nil
}

func (l *Local) Store(_ context.Context, hash, format string, _ conv.MediaClass, _ string, _ *time.Duration, localPath string) error {
	ext := filepath.Ext(localPath)
	if _, ok := contentTypes[ext]; !ok {
		return fmt.Errorf("store %s (%s): %w", hash, ext, conv.ErrUnsupportedExtension)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", localPath, err)
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(l.dir, hash+ext))
	if err != nil {
		return fmt.Errorf("create cached artifact: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := dst.Close(); err != nil {
		return err
	}
	l.logger.Debug("artifact cached locally", "hash", hash, "format", format, "ext", ext)
	return nil
}

func (l *Local) Lookup(_ context.Context, hash string, image conv.ImageFormat, video conv.VideoFormat, _ bool, _ string) (*Result, error) {
	for _, ext := range localExtensions {
		name := hash + ext
		if _, err := os.Stat(filepath.Join(l.dir, name)); err != nil {
			continue
		}
		format := video.String()
		if ext == ".ktx2" {
			format = image.String()
		}
		return &Result{URL: l.endpoint + name, Format: format}, nil
	}
	return nil, nil
}

func (l *Local) Revalidate(ctx context.Context, req conv.RefreshRequest) (bool, error) {
	result, err := l.Lookup(ctx, req.Hash, req.ImageFormat, req.VideoFormat, false, "")
	if err != nil {
		return false, err
	}
	return result != nil, nil
}
