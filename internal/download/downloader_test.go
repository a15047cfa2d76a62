package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"metamorph/internal/conv"
)

func TestFetchCapturesCachingMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Cache-Control", "public, max-age=600")
		_, _ = w.Write([]byte("payload"))
	}))
	t.Cleanup(server.Close)

	dl := New(t.TempDir(), 1<<20, nil)
	path, etag, maxAge, size, err := dl.Fetch(context.Background(), server.URL+"/asset.png", "deadbeef")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if etag != `"abc123"` {
		t.Fatalf("etag = %q", etag)
	}
	if maxAge == nil || *maxAge != 10*time.Minute {
		t.Fatalf("maxAge = %v", maxAge)
	}
	if size != int64(len("payload")) {
		t.Fatalf("size = %d", size)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected contents %q", data)
	}
	if !strings.HasSuffix(path, ".png") {
		t.Fatalf("expected source extension preserved, got %s", path)
	}
}

func TestFetchEnforcesByteCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	t.Cleanup(server.Close)

	root := t.TempDir()
	dl := New(root, 1024, nil)
	_, _, _, _, err := dl.Fetch(context.Background(), server.URL, "cafebabe")
	if !errors.Is(err, conv.ErrDownloadTooLarge) {
		t.Fatalf("expected ErrDownloadTooLarge, got %v", err)
	}
	entries, err := os.ReadDir(dl.JobDir("cafebabe"))
	if err != nil {
		t.Fatalf("read job dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("partial file was not deleted: %v", entries)
	}
}

func TestFetchRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	dl := New(t.TempDir(), 1024, nil)
	if _, _, _, _, err := dl.Fetch(context.Background(), server.URL, "feed"); err == nil {
		t.Fatalf("expected error for 404 response")
	}
}

func TestHeadReportsNotModified(t *testing.T) {
	var gotETag string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotETag = r.Header.Get("If-None-Match")
		w.Header().Set("Cache-Control", "max-age=120")
		w.WriteHeader(http.StatusNotModified)
	}))
	t.Cleanup(server.Close)

	dl := New(t.TempDir(), 1024, nil)
	notModified, maxAge, err := dl.Head(context.Background(), server.URL, `"v1"`)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if !notModified {
		t.Fatalf("expected notModified")
	}
	if gotETag != `"v1"` {
		t.Fatalf("If-None-Match = %q", gotETag)
	}
	if maxAge == nil || *maxAge != 2*time.Minute {
		t.Fatalf("maxAge = %v", maxAge)
	}
}

func TestHeadChangedOrigin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	dl := New(t.TempDir(), 1024, nil)
	notModified, _, err := dl.Head(context.Background(), server.URL, `"v1"`)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if notModified {
		t.Fatalf("expected modified origin")
	}
}

func TestParseMaxAge(t *testing.T) {
	if got := parseMaxAge("no-cache"); got == nil || *got != 0 {
		t.Fatalf("no-cache should map to zero, got %v", got)
	}
	if got := parseMaxAge("public, max-age=90"); got == nil || *got != 90*time.Second {
		t.Fatalf("max-age=90 parsed as %v", got)
	}
	if got := parseMaxAge(""); got != nil {
		t.Fatalf("absent header should map to nil, got %v", got)
	}
	if got := parseMaxAge("max-age=-5"); got != nil {
		t.Fatalf("negative max-age should map to nil, got %v", got)
	}
}
