// Package cache implements the conversion cache: a versioned keyed record
// spanning object storage and the KV metadata store, with freshness TTLs,
// revalidation metadata, and in-flight markers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"metamorph/internal/conv"
	"metamorph/internal/storage"
)

// Result describes what the cache knows about a conversion.
type Result struct {
	URL        string
	ETag       string
	Expired    bool
	Converting bool
	Format     string
}

// Cache is the system of record for converted artifacts. Two
// implementations exist: the production Engine over KV + object storage and
// the filesystem-backed Local used in single-node mode.
type Cache interface {
	Store(ctx context.Context, hash, format string, class conv.MediaClass, etag string, maxAge *time.Duration, localPath string) error
	Lookup(ctx context.Context, hash string, image conv.ImageFormat, video conv.VideoFormat, force bool, sourceURL string) (*Result, error)
	Revalidate(ctx context.Context, req conv.RefreshRequest) (bool, error)
}

// Hinter accepts fire-and-forget staleness hints raised by lookups.
type Hinter interface {
	Hint(req conv.RefreshRequest)
}

// Prober issues the conditional origin HEAD used to extend freshness
// without re-downloading.
type Prober interface {
	Head(ctx context.Context, url, etag string) (notModified bool, maxAge *time.Duration, err error)
}

var contentTypes = map[string]string{
	".ktx2": "image/ktx2",
	".mp4":  "video/mp4",
	".ogv":  "video/ogg",
}

// EngineConfig wires the production cache engine.
type EngineConfig struct {
	Redis     redis.UniversalClient
	Uploader  storage.Uploader
	Endpoint  string // public URL prefix for stored artifacts, ending "/"
	CDNHost   string // optional authority override applied on read
	Version   int
	MinMaxAge time.Duration
	Prober    Prober
	Logger    *slog.Logger
}

// Engine is the KV + object-storage cache implementation.
type Engine struct {
	redis     redis.UniversalClient
	uploader  storage.Uploader
	endpoint  string
	cdnHost   string
	version   int
	minMaxAge time.Duration
	prober    Prober
	logger    *slog.Logger
	hinter    Hinter
	now       func() time.Time
}

const defaultMinMaxAge = 5 * time.Minute

// NewEngine constructs the production cache engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minMaxAge := cfg.MinMaxAge
	if minMaxAge <= 0 {
		minMaxAge = defaultMinMaxAge
	}
	return &Engine{
		redis:     cfg.Redis,
		uploader:  cfg.Uploader,
		endpoint:  ensureTrailingSlash(cfg.Endpoint),
		cdnHost:   strings.TrimSpace(cfg.CDNHost),
		version:   cfg.Version,
		minMaxAge: minMaxAge,
		prober:    cfg.Prober,
		logger:    logger,
		now:       time.Now,
	}
}

// SetHinter attaches the refresh pipeline after construction; the pipeline
// itself depends on the engine for revalidation.
func (e *Engine) SetHinter(h Hinter) {
	e.hinter = h
}

// Store uploads a converted artifact and records its cache metadata. The
// object key carries an informational timestamp; retrieval goes through the
// KV record only. Previous values for the same conversion identity are
// overwritten.
func (e *Engine) Store(ctx context.Context, hash, format string, class conv.MediaClass, etag string, maxAge *time.Duration, localPath string) error {
	if e.uploader == nil || !e.uploader.Enabled() {
		return fmt.Errorf("store %s: %w", hash, conv.ErrNotConfigured)
	}
	ext := strings.ToLower(filepath.Ext(localPath))
	contentType, ok := contentTypes[ext]
	if !ok {
		return fmt.Errorf("store %s (%s): %w", hash, ext, conv.ErrUnsupportedExtension)
	}

	objectKey := fmt.Sprintf("%s-%s-%s%s", e.now().UTC().Format("20060102-150405"), hash, format, ext)
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", localPath, err)
	}
	defer file.Close()
	if err := e.uploader.Upload(ctx, objectKey, contentType, file); err != nil {
		return err
	}

	maxAge = SanitizeMaxAge(maxAge, etag, e.minMaxAge)

	// The object key lands before the freshness marker; readers tolerate
	// the transient absence of the marker when a TTL forces a second
	// round-trip.
	_, err = e.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(hash, format, e.version), objectKey, 0)
		pipe.Set(ctx, fileTypeKey(hash, e.version), classTag(class), 0)
		if etag != "" {
			pipe.Set(ctx, etagKey(hash, format, e.version), etag, 0)
		}
		if maxAge == nil {
			pipe.Set(ctx, validKey(hash, format, e.version), "1", 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write cache record %s: %w", hash, err)
	}
	if maxAge != nil {
		if err := e.redis.Set(ctx, validKey(hash, format, e.version), "1", *maxAge).Err(); err != nil {
			return fmt.Errorf("write freshness marker %s: %w", hash, err)
		}
	}
	return nil
}

// Lookup reads the cache record for a conversion identity. A non-nil result
// is returned even when expired; staleness is surfaced through the Expired
// flag and, when the caller supplied the source URL, a refresh hint is
// raised asynchronously.
func (e *Engine) Lookup(ctx context.Context, hash string, image conv.ImageFormat, video conv.VideoFormat, force bool, sourceURL string) (*Result, error) {
	tag, err := e.redis.Get(ctx, fileTypeKey(hash, e.version)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read media class %s: %w", hash, err)
	}
	format := video.String()
	if tag == imageClassTag {
		format = image.String()
	}

	values, err := e.redis.MGet(ctx,
		recordKey(hash, format, e.version),
		etagKey(hash, format, e.version),
		validKey(hash, format, e.version),
		InFlightKey(hash, image, video, e.version),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("read cache record %s: %w", hash, err)
	}
	objectKey, ok := stringValue(values[0])
	if !ok {
		return nil, nil
	}
	etag, _ := stringValue(values[1])
	_, fresh := stringValue(values[2])
	_, converting := stringValue(values[3])

	result := &Result{
		URL:        e.artifactURL(objectKey),
		ETag:       etag,
		Expired:    !fresh,
		Converting: converting,
		Format:     format,
	}

	if sourceURL != "" && e.hinter != nil && ((result.Expired && !result.Converting) || force) {
		e.hinter.Hint(conv.RefreshRequest{
			Hash:        hash,
			URL:         sourceURL,
			ImageFormat: image,
			VideoFormat: video,
			Force:       force,
		})
	}
	return result, nil
}

// Revalidate reports whether the cached artifact may be considered fresh
// after this call, issuing a conditional origin HEAD when the record is
// stale or the caller forces it. A 304 re-stamps the freshness marker.
func (e *Engine) Revalidate(ctx context.Context, req conv.RefreshRequest) (bool, error) {
	result, err := e.Lookup(ctx, req.Hash, req.ImageFormat, req.VideoFormat, false, "")
	if err != nil {
		return false, err
	}
	if result == nil {
		return false, nil
	}
	if !req.Force && !result.Expired {
		return true, nil
	}
	if e.prober == nil {
		return false, nil
	}
	notModified, maxAge, err := e.prober.Head(ctx, req.URL, result.ETag)
	if err != nil {
		e.logger.Warn("revalidation probe failed", "hash", req.Hash, "error", err)
		return false, nil
	}
	if !notModified {
		return false, nil
	}
	maxAge = SanitizeMaxAge(maxAge, result.ETag, e.minMaxAge)
	key := validKey(req.Hash, result.Format, e.version)
	var ttl time.Duration
	if maxAge != nil {
		ttl = *maxAge
	}
	if err := e.redis.Set(ctx, key, "1", ttl).Err(); err != nil {
		return false, fmt.Errorf("stamp freshness %s: %w", req.Hash, err)
	}
	return true, nil
}

func (e *Engine) artifactURL(objectKey string) string {
	raw := e.endpoint + strings.TrimLeft(objectKey, "/")
	if e.cdnHost == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parsed.Host = e.cdnHost
	return parsed.String()
}

func stringValue(v interface{}) (string, bool) {
	switch value := v.(type) {
	case string:
		return value, true
	case []byte:
		return string(value), true
	default:
		return "", false
	}
}

func ensureTrailingSlash(endpoint string) string {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" || strings.HasSuffix(trimmed, "/") {
		return trimmed
	}
	return trimmed + "/"
}
