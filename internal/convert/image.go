package convert

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/disintegration/imaging"

	// Extend image.Decode with the formats sources commonly arrive in.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"metamorph/internal/conv"
)

// maxImageDimension bounds each side of a preprocessed static image.
const maxImageDimension = 1024

// PrepareImage decodes a static image, scales it to fit inside
// 1024x1024 preserving aspect (never upscaling), and re-encodes it as
// lossless PNG for the texture encoder.
func PrepareImage(sourcePath, workDir string) (string, error) {
	img, err := imaging.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("decode image %s: %w", sourcePath, err)
	}
	fitted := imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	outPath := filepath.Join(workDir, "prepared.png")
	if err := imaging.Save(fitted, outPath); err != nil {
		return "", fmt.Errorf("encode png %s: %w", outPath, err)
	}
	return outPath, nil
}

// textureArgs returns the toktx flag set for an image target.
func textureArgs(format conv.ImageFormat) []string {
	switch format {
	case conv.ASTC:
		return []string{"--t2", "--encode", "astc", "--astc_blk_d", "8x8", "--genmipmap", "--assign_oetf", "srgb"}
	case conv.ASTCHigh:
		return []string{"--t2", "--encode", "astc", "--astc_blk_d", "4x4", "--genmipmap", "--assign_oetf", "srgb"}
	default:
		return []string{"--t2", "--uastc", "--genmipmap", "--zcmp", "3", "--lower_left_maps_to_s0t0", "--assign_oetf", "srgb"}
	}
}

// EncodeTexture runs toktx over a prepared PNG and returns the .ktx2 path.
func EncodeTexture(ctx context.Context, preparedPath, workDir string, format conv.ImageFormat) (string, error) {
	outPath := filepath.Join(workDir, "texture.ktx2")
	args := append(textureArgs(format), outPath, preparedPath)
	if err := runTool(ctx, "toktx", args...); err != nil {
		return "", err
	}
	return outPath, nil
}
