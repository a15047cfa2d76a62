package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"metamorph/internal/cache"
	"metamorph/internal/conv"
	"metamorph/internal/observability/logging"
)

// Waiter optionally blocks a request until a conversion materializes.
type Waiter interface {
	Wait(ctx context.Context, hash string, image conv.ImageFormat, video conv.VideoFormat) *cache.Result
}

// Enqueuer submits conversion jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job conv.Job) error
}

// Handler serves the conversion API.
type Handler struct {
	Cache  cache.Cache
	Queue  Enqueuer
	Waiter Waiter
	Logger *slog.Logger
}

// NewHandler wires the convert endpoint's collaborators.
func NewHandler(store cache.Cache, queue Enqueuer, waiter Waiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Cache: store, Queue: queue, Waiter: waiter, Logger: logger}
}

// Convert handles GET/HEAD /convert. Cache misses enqueue a background
// conversion and redirect to the original URL so clients can still render
// something; wait=true blocks up to the wait budget. Lookup and enqueue
// failures degrade to the original-URL redirect, never a 5xx.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := r.URL.Query()

	sourceURL := strings.TrimSpace(params.Get("url"))
	if !isAbsoluteURL(sourceURL) {
		http.Error(w, "url must be a well-formed absolute URL", http.StatusBadRequest)
		return
	}
	imageFormat, err := conv.ParseImageFormat(params.Get("imageFormat"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	videoFormat, err := conv.ParseVideoFormat(params.Get("videoFormat"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	wait := boolParam(params.Get("wait"))
	forceRefresh := boolParam(params.Get("forceRefresh"))

	hash := conv.HashURL(sourceURL)
	ctx := logging.ContextWithConversion(r.Context(), hash)
	logger := logging.WithContext(ctx, h.Logger)

	result, err := h.Cache.Lookup(ctx, hash, imageFormat, videoFormat, forceRefresh, sourceURL)
	if err != nil {
		logger.Error("cache lookup failed", "error", err)
		result = nil
	}
	if result == nil {
		job := conv.Job{Hash: hash, URL: sourceURL, ImageFormat: imageFormat, VideoFormat: videoFormat}
		if err := h.Queue.Enqueue(ctx, job); err != nil {
			logger.Error("enqueue failed", "error", err)
		}
		if wait && h.Waiter != nil {
			result = h.Waiter.Wait(ctx, hash, imageFormat, videoFormat)
			if result == nil {
				w.WriteHeader(http.StatusAccepted)
				return
			}
		}
	}
	if result != nil {
		http.Redirect(w, r, result.URL, http.StatusFound)
		return
	}
	http.Redirect(w, r, sourceURL, http.StatusFound)
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func isAbsoluteURL(raw string) bool {
	if raw == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	return err == nil && parsed.IsAbs() && parsed.Host != ""
}

func boolParam(value string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && parsed
}
