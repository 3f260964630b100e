package main

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrDecode     = errors.New("invalid image format")
	ErrNoUpload   = errors.New("file: field required")
	ErrUploadSize = errors.New("upload too large")
)

const uploadField = "file"

func readUpload(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrUploadSize
		}
		return nil, fmt.Errorf("%w: %v", ErrNoUpload, err)
	}

	file, _, err := r.FormFile(uploadField)
	if err != nil {
		return nil, ErrNoUpload
	}
	defer file.Close()

	return io.ReadAll(file)
}

// DefaultMaxImagePixels matches the decompression bomb limit of PIL.
const DefaultMaxImagePixels = 178956970

// decodeImage decodes any registered format and normalises it to opaque
// RGB. Alpha is dropped, not composited. Images whose header declares more
// than maxPixels pixels are rejected before any pixel data is allocated;
// maxPixels <= 0 selects DefaultMaxImagePixels.
func decodeImage(data []byte, maxPixels int64) (*image.NRGBA, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxImagePixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}

	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xFF
	}
	return rgb, nil
}
