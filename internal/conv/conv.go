// Package conv holds the conversion domain model shared across the service:
// media classes, target formats, conversion identities, and the job payload
// exchanged over the work queue.
package conv

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// MediaClass classifies a downloaded source file.
type MediaClass int

const (
	// StaticImage is a single-frame image encoded to a texture container.
	StaticImage MediaClass = iota
	// MotionImage is an animated image requiring frame extraction before
	// video encoding.
	MotionImage
	// MotionVideo is a video input consumed by the video encoder directly.
	MotionVideo
	// Other is anything the detector could not classify.
	Other
)

func (c MediaClass) String() string {
	switch c {
	case StaticImage:
		return "StaticImage"
	case MotionImage:
		return "MotionImage"
	case MotionVideo:
		return "MotionVideo"
	default:
		return "Other"
	}
}

// ImageFormat selects the texture-container encoding for image inputs.
type ImageFormat int

const (
	UASTC ImageFormat = iota
	ASTC
	ASTCHigh
)

func (f ImageFormat) String() string {
	switch f {
	case ASTC:
		return "ASTC"
	case ASTCHigh:
		return "ASTC_HIGH"
	default:
		return "UASTC"
	}
}

// ParseImageFormat resolves a query-parameter value to an ImageFormat. The
// empty string selects the default.
func ParseImageFormat(value string) (ImageFormat, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", "UASTC":
		return UASTC, nil
	case "ASTC":
		return ASTC, nil
	case "ASTC_HIGH":
		return ASTCHigh, nil
	default:
		return UASTC, fmt.Errorf("unknown image format %q", value)
	}
}

// VideoFormat selects the video-container encoding for motion inputs.
type VideoFormat int

const (
	MP4 VideoFormat = iota
	OGV
)

func (f VideoFormat) String() string {
	switch f {
	case OGV:
		return "OGV"
	default:
		return "MP4"
	}
}

// ParseVideoFormat resolves a query-parameter value to a VideoFormat. The
// empty string selects the default.
func ParseVideoFormat(value string) (VideoFormat, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", "MP4":
		return MP4, nil
	case "OGV":
		return OGV, nil
	default:
		return MP4, fmt.Errorf("unknown video format %q", value)
	}
}

// HashURL derives the primary cache key fragment for a source URL: the
// lowercase hex SHA-256 of its UTF-8 bytes.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Job is an in-flight conversion as serialized onto the work queue.
type Job struct {
	Hash        string      `json:"Hash"`
	URL         string      `json:"URL"`
	ImageFormat ImageFormat `json:"ImageFormat"`
	VideoFormat VideoFormat `json:"VideoFormat"`
}

// RefreshRequest is an expiry hint flowing through the refresh pipeline.
// The struct is comparable so it can key a dedupe set.
type RefreshRequest struct {
	Hash        string
	URL         string
	ImageFormat ImageFormat
	VideoFormat VideoFormat
	Force       bool
}

// Identity names the conversion the request refers to.
func (r RefreshRequest) Identity() string {
	return fmt.Sprintf("%s-%s-%s", r.Hash, r.ImageFormat, r.VideoFormat)
}
