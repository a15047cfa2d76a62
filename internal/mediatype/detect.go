// Package mediatype classifies local files into the media classes the
// conversion pipeline understands by sniffing the first bytes against a
// signature table.
package mediatype

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"metamorph/internal/conv"
)

// headerWindow bounds how much of the file is read for classification.
const headerWindow = 4096

// Detect reads up to the first 4 KiB of the file at path and returns its
// media class. Files matching no signature return conv.Other alongside
// conv.ErrUnknownFileType.
func Detect(path string) (conv.MediaClass, error) {
	file, err := os.Open(path)
	if err != nil {
		return conv.Other, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	header := make([]byte, headerWindow)
	n, err := io.ReadFull(file, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return conv.Other, fmt.Errorf("read %s: %w", path, err)
	}
	return Classify(header[:n])
}

// Classify applies the signature table to a header window already in memory.
func Classify(header []byte) (conv.MediaClass, error) {
	switch {
	case isWebP(header):
		// Animated containers carry ANIM/ANMF chunks inside the header
		// window.
		if bytes.Contains(header, []byte("ANIM")) || bytes.Contains(header, []byte("ANMF")) {
			return conv.MotionImage, nil
		}
		return conv.StaticImage, nil
	case hasPrefix(header, "GIF87a"), hasPrefix(header, "GIF89a"):
		// The video encoder consumes GIF natively.
		return conv.MotionVideo, nil
	case hasPrefix(header, "<svg "):
		return conv.StaticImage, nil
	case hasPrefix(header, "\x89PNG\r\n\x1a\n"),
		bytes.HasPrefix(header, []byte{0xFF, 0xD8, 0xFF}),
		hasPrefix(header, "BM"),
		hasPrefix(header, "II*\x00"),
		hasPrefix(header, "MM\x00*"):
		return conv.StaticImage, nil
	case isISOMedia(header),
		bytes.HasPrefix(header, []byte{0x1A, 0x45, 0xDF, 0xA3}), // Matroska / WebM
		isRIFF(header, "AVI "),
		hasPrefix(header, "OggS"):
		return conv.MotionVideo, nil
	default:
		return conv.Other, conv.ErrUnknownFileType
	}
}

func hasPrefix(header []byte, sig string) bool {
	return bytes.HasPrefix(header, []byte(sig))
}

func isRIFF(header []byte, form string) bool {
	return len(header) >= 12 && hasPrefix(header, "RIFF") && string(header[8:12]) == form
}

func isWebP(header []byte) bool {
	return isRIFF(header, "WEBP")
}

// isISOMedia matches the MP4/MOV family, whose brand box starts at offset 4.
func isISOMedia(header []byte) bool {
	return len(header) >= 8 && string(header[4:8]) == "ftyp"
}
