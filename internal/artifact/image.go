package artifact

import (
	"bytes"
	"fmt"
	"image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

const maxImageDimension = 2500

// NormalizeImage auto-orients an image per its EXIF tag, downscales it so
// neither dimension exceeds maxImageDimension, and re-encodes as JPEG
// quality 85. Vision models charge per image tile, and the scratch store
// has no interest in keeping a 12MP phone photo around either, so
// SaveBinary and the vision path both run every non-force_pdf image
// through this; go-fitz-rendered pages are already this size and pass
// through unchanged.
func NormalizeImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if w, h := bounds.Dx(), bounds.Dy(); w > maxImageDimension || h > maxImageDimension {
		img = imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
