package classifier

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

const thumbnailMaxDim = 320

// writeThumbnail renders a small JPEG preview of the source image, used as
// the at-a-glance cover for a promoted event folder.
func writeThumbnail(srcPath, destPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source image: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode %s: %w", srcPath, err)
	}

	w, h := thumbnailDimensions(src.Bounds().Dx(), src.Bounds().Dy())
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create thumbnail: %w", err)
	}
	if err := jpeg.Encode(out, dst, &jpeg.Options{Quality: 80}); err != nil {
		out.Close()
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	return out.Close()
}

// thumbnailDimensions scales the source size so the longer edge is at most
// thumbnailMaxDim, preserving aspect ratio. Images already small enough pass
// through unchanged.
func thumbnailDimensions(w, h int) (int, int) {
	if w <= thumbnailMaxDim && h <= thumbnailMaxDim {
		return w, h
	}
	if w >= h {
		return thumbnailMaxDim, max(1, h*thumbnailMaxDim/w)
	}
	return max(1, w*thumbnailMaxDim/h), thumbnailMaxDim
}
