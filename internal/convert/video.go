package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"metamorph/internal/conv"
)

// frameRate is the input framerate assumed for animated-image sequences.
const frameRate = "10"

// scaleFilter downscales to 512 px width preserving aspect; narrower inputs
// keep their width.
const scaleFilter = "scale='min(512,iw)':-1:flags=lanczos"

// ExtractFrames expands an animated image into a complete-frame PNG
// sequence in a scratch directory under workDir. The decoder coalesces
// frame deltas, so every written frame is a full image.
func ExtractFrames(ctx context.Context, sourcePath, workDir string) (string, error) {
	framesDir := filepath.Join(workDir, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare frames dir: %w", err)
	}
	pattern := filepath.Join(framesDir, "frame_%05d.png")
	if err := runTool(ctx, "ffmpeg", "-y", "-i", sourcePath, pattern); err != nil {
		return "", err
	}
	return pattern, nil
}

// videoArgs returns the ffmpeg encoding flags and output filename for a
// video target.
func videoArgs(format conv.VideoFormat) (args []string, outName string) {
	switch format {
	case conv.OGV:
		return []string{
			"-c:v", "libtheora",
			"-pix_fmt", "yuv420p",
			"-qscale:v", "7",
			"-an",
			"-vf", scaleFilter,
			"-f", "ogg",
		}, "out.ogv"
	default:
		return []string{
			"-c:v", "libx264",
			"-pix_fmt", "yuv420p",
			"-crf", "28",
			"-vf", scaleFilter,
			"-preset", "veryfast",
			"-movflags", "+faststart",
		}, "out.mp4"
	}
}

// EncodeVideo runs ffmpeg over a video source and returns the output path.
func EncodeVideo(ctx context.Context, sourcePath, workDir string, format conv.VideoFormat) (string, error) {
	encodeArgs, outName := videoArgs(format)
	outPath := filepath.Join(workDir, outName)
	args := append([]string{"-y", "-i", sourcePath}, encodeArgs...)
	args = append(args, outPath)
	if err := runTool(ctx, "ffmpeg", args...); err != nil {
		return "", err
	}
	return outPath, nil
}

// EncodeFrameSequence runs ffmpeg over an extracted PNG sequence at the
// fixed input framerate and returns the output path.
func EncodeFrameSequence(ctx context.Context, framePattern, workDir string, format conv.VideoFormat) (string, error) {
	encodeArgs, outName := videoArgs(format)
	outPath := filepath.Join(workDir, outName)
	args := append([]string{"-y", "-framerate", frameRate, "-i", framePattern}, encodeArgs...)
	args = append(args, outPath)
	if err := runTool(ctx, "ffmpeg", args...); err != nil {
		return "", err
	}
	return outPath, nil
}
