// Package download fetches conversion sources over HTTP with a hard byte
// cap and exposes the origin's caching metadata (ETag, max-age).
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"metamorph/internal/conv"
)

// Downloader streams sources into per-job temp directories.
type Downloader struct {
	client   *http.Client
	tmpRoot  string
	maxBytes int64
}

const (
	defaultFetchTimeout = 5 * time.Minute
	defaultHeadTimeout  = 10 * time.Second
)

// New builds a Downloader rooted at tmpRoot with a maxBytes download cap.
func New(tmpRoot string, maxBytes int64, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Downloader{client: client, tmpRoot: tmpRoot, maxBytes: maxBytes}
}

// JobDir returns the scratch directory used for a given conversion hash.
func (d *Downloader) JobDir(hash string) string {
	return filepath.Join(d.tmpRoot, hash)
}

// Fetch downloads the source to the job's temp directory and returns its
// path alongside the origin's ETag and parsed max-age. A response exceeding
// the byte cap aborts the stream and deletes the partial file.
func (d *Downloader) Fetch(ctx context.Context, sourceURL, hash string) (localPath, etag string, maxAge *time.Duration, size int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", "", nil, 0, fmt.Errorf("build download request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", "", nil, 0, fmt.Errorf("download %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", nil, 0, fmt.Errorf("download %s: unexpected status %d", sourceURL, resp.StatusCode)
	}

	dir := d.JobDir(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", nil, 0, fmt.Errorf("prepare job dir: %w", err)
	}
	localPath = filepath.Join(dir, "source"+sourceExtension(sourceURL))
	file, err := os.Create(localPath)
	if err != nil {
		return "", "", nil, 0, fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(file, io.LimitReader(resp.Body, d.maxBytes+1))
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return "", "", nil, 0, fmt.Errorf("stream %s: %w", sourceURL, err)
	}
	if written > d.maxBytes {
		os.Remove(localPath)
		return "", "", nil, 0, fmt.Errorf("download %s: %w", sourceURL, conv.ErrDownloadTooLarge)
	}

	etag = resp.Header.Get("ETag")
	maxAge = parseMaxAge(resp.Header.Get("Cache-Control"))
	return localPath, etag, maxAge, written, nil
}

// Head issues a conditional HEAD against the origin. It reports true when
// the origin answered 304 Not Modified for the supplied entity tag.
func (d *Downloader) Head(ctx context.Context, sourceURL, etag string) (bool, *time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHeadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceURL, nil)
	if err != nil {
		return false, nil, fmt.Errorf("build revalidation request: %w", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, nil, fmt.Errorf("revalidate %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		return false, nil, nil
	}
	return true, parseMaxAge(resp.Header.Get("Cache-Control")), nil
}

// parseMaxAge extracts the freshness window from a Cache-Control header.
// "no-cache" maps to a zero window, which the sanitizer later raises to the
// configured minimum; an absent directive returns nil ("indefinite").
func parseMaxAge(header string) *time.Duration {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if directive == "no-cache" {
			zero := time.Duration(0)
			return &zero
		}
		if value, ok := strings.CutPrefix(directive, "max-age="); ok {
			seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || seconds < 0 {
				continue
			}
			age := time.Duration(seconds) * time.Second
			return &age
		}
	}
	return nil
}

func sourceExtension(sourceURL string) string {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(parsed.Path)
	if len(ext) > 8 {
		return ""
	}
	return ext
}
