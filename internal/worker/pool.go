// Package worker drains the conversion queue: download, classify, convert,
// store, clean up.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"metamorph/internal/cache"
	"metamorph/internal/conv"
	"metamorph/internal/convert"
	"metamorph/internal/mediatype"
	"metamorph/internal/observability/logging"
	"metamorph/internal/observability/metrics"
)

// Dequeuer is the queue side the pool consumes from.
type Dequeuer interface {
	Dequeue(ctx context.Context) (conv.Job, error)
}

// Fetcher downloads sources into per-job scratch directories.
type Fetcher interface {
	Fetch(ctx context.Context, url, hash string) (path, etag string, maxAge *time.Duration, size int64, err error)
	JobDir(hash string) string
}

// Converter turns a classified source file into a converted artifact and
// reports the format name recorded with it.
type Converter interface {
	Convert(ctx context.Context, job conv.Job, sourcePath, workDir string, class conv.MediaClass) (outPath, format string, err error)
}

// Config wires a worker pool.
type Config struct {
	Queue     Dequeuer
	Fetcher   Fetcher
	Cache     cache.Cache
	Converter Converter // defaults to the media-tool converter
	Detect    func(path string) (conv.MediaClass, error)
	Metrics   *metrics.Recorder
	Workers   int
	Logger    *slog.Logger
}

const defaultWorkers = 5

// retryDelay spaces out dequeue attempts after transient queue errors.
const retryDelay = time.Second

// Pool runs N concurrent single-threaded conversion pipelines.
type Pool struct {
	queue     Dequeuer
	fetcher   Fetcher
	cache     cache.Cache
	converter Converter
	detect    func(path string) (conv.MediaClass, error)
	metrics   *metrics.Recorder
	workers   int
	logger    *slog.Logger
}

// New builds a worker pool.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	converter := cfg.Converter
	if converter == nil {
		converter = toolConverter{}
	}
	detect := cfg.Detect
	if detect == nil {
		detect = mediatype.Detect
	}
	return &Pool{
		queue:     cfg.Queue,
		fetcher:   cfg.Fetcher,
		cache:     cfg.Cache,
		converter: converter,
		detect:    detect,
		metrics:   cfg.Metrics,
		workers:   workers,
		logger:    logger,
	}
}

// Run blocks until the context is cancelled, then returns once every worker
// finished its current job.
func (p *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		group.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	return group.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, conv.ErrMalformedJob) {
				logger.Warn("dropping malformed queue message")
				continue
			}
			logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		// Failures abandon the job; the in-flight marker TTL gates retry.
		jobCtx := logging.ContextWithConversion(ctx, job.Hash)
		if err := p.process(jobCtx, job); err != nil && ctx.Err() == nil {
			logging.WithContext(jobCtx, logger).Error("conversion failed", "url", job.URL, "error", err)
		}
	}
}

func (p *Pool) process(ctx context.Context, job conv.Job) error {
	start := time.Now()
	workDir := p.fetcher.JobDir(job.Hash)
	defer os.RemoveAll(workDir)

	sourcePath, etag, maxAge, size, err := p.fetcher.Fetch(ctx, job.URL, job.Hash)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	class, err := p.detect(sourcePath)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	outPath, format, err := p.converter.Convert(ctx, job, sourcePath, workDir, class)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	if err := p.cache.Store(ctx, job.Hash, format, class, etag, maxAge, outPath); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.ObserveConversion(class, size, format, elapsed)
	}
	logging.WithContext(ctx, p.logger).Info("conversion complete",
		"class", class.String(),
		"format", format,
		"source_bytes", size,
		"duration_ms", elapsed.Milliseconds())
	return nil
}

// toolConverter invokes the real media tools.
type toolConverter struct{}

func (toolConverter) Convert(ctx context.Context, job conv.Job, sourcePath, workDir string, class conv.MediaClass) (string, string, error) {
	switch class {
	case conv.StaticImage:
		prepared, err := convert.PrepareImage(sourcePath, workDir)
		if err != nil {
			return "", "", err
		}
		out, err := convert.EncodeTexture(ctx, prepared, workDir, job.ImageFormat)
		return out, job.ImageFormat.String(), err
	case conv.MotionImage:
		pattern, err := convert.ExtractFrames(ctx, sourcePath, workDir)
		if err != nil {
			return "", "", err
		}
		out, err := convert.EncodeFrameSequence(ctx, pattern, workDir, job.VideoFormat)
		return out, job.VideoFormat.String(), err
	case conv.MotionVideo:
		out, err := convert.EncodeVideo(ctx, sourcePath, workDir, job.VideoFormat)
		return out, job.VideoFormat.String(), err
	default:
		return "", "", conv.ErrUnknownFileType
	}
}
