package cache

import (
	"fmt"
	"time"

	"metamorph/internal/conv"
)

// Every KV key embeds the process-wide version integer so a bump abandons
// all prior cache records at once.

func recordKey(hash, format string, version int) string {
	return fmt.Sprintf("%s_%s_%d", hash, format, version)
}

func etagKey(hash, format string, version int) string {
	return "etag:" + recordKey(hash, format, version)
}

func validKey(hash, format string, version int) string {
	return "valid:" + recordKey(hash, format, version)
}

func fileTypeKey(hash string, version int) string {
	return fmt.Sprintf("filetype:%s_%d", hash, version)
}

// InFlightKey names the marker a worker claims before converting. It is
// shared with the queue façade, which sets it on enqueue.
func InFlightKey(hash string, image conv.ImageFormat, video conv.VideoFormat, version int) string {
	return fmt.Sprintf("converting:%s-%s-%s_%d", hash, image, video, version)
}

const (
	imageClassTag = "Image"
	videoClassTag = "Video"
)

func classTag(class conv.MediaClass) string {
	if class == conv.StaticImage {
		return imageClassTag
	}
	return videoClassTag
}

// SanitizeMaxAge applies the freshness-window rules: windows below min are
// raised to min, a missing window with a known entity tag becomes min (the
// origin is cheap to revalidate, so don't cache indefinitely), and absent
// stays absent only when no entity tag exists.
func SanitizeMaxAge(maxAge *time.Duration, etag string, min time.Duration) *time.Duration {
	if maxAge != nil {
		if *maxAge < min {
			raised := min
			return &raised
		}
		value := *maxAge
		return &value
	}
	if etag != "" {
		raised := min
		return &raised
	}
	return nil
}
