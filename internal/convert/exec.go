// Package convert invokes the media tools: image preprocessing in-process,
// texture encoding via toktx, and video encoding via ffmpeg.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"metamorph/internal/conv"
)

// runTool executes a media tool, draining stdout and stderr into buffers so
// the subprocess can never stall on a full pipe. Non-zero exit surfaces as
// ErrEncodeFailed carrying the stderr tail.
func runTool(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %v: %s", name, conv.ErrEncodeFailed, err, stderrTail(&stderr))
	}
	return nil
}

func stderrTail(buf *bytes.Buffer) string {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
