package thumbnail

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/h2non/filetype"
	"github.com/sunshineplan/imgconv"
)

// Decoded is a downscaled raster plus the dimensions of the original image.
type Decoded struct {
	Image  image.Image
	Width  int
	Height int
}

// Decoder produces a thumbnail raster for a source file, bounded by a
// box x box square. Errors are an expected outcome for corrupt or
// unsupported files.
type Decoder interface {
	Decode(path string, box int) (Decoded, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(path string, box int) (Decoded, error)

func (f DecoderFunc) Decode(path string, box int) (Decoded, error) {
	return f(path, box)
}

var errNotImage = errors.New("not a recognized image format")

// ImageDecoder decodes sources with imgconv, after rejecting files whose
// magic bytes do not identify an image.
type ImageDecoder struct{}

// sniffLen is the header length filetype needs to match every known type.
const sniffLen = 262

func (ImageDecoder) Decode(path string, box int) (Decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return Decoded{}, err
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	f.Close()
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Decoded{}, fmt.Errorf("failed to read header: %w", err)
	}
	if !filetype.IsImage(head[:n]) {
		return Decoded{}, errNotImage
	}

	src, err := imgconv.Open(path)
	if err != nil {
		return Decoded{}, fmt.Errorf("failed to decode image: %w", err)
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return Decoded{}, fmt.Errorf("image has empty bounds %v", b)
	}

	tw, th := FitWithin(w, h, box)
	if tw != w || th != h {
		src = imgconv.Resize(src, &imgconv.ResizeOption{Width: tw, Height: th})
	}
	return Decoded{Image: src, Width: w, Height: h}, nil
}

// ScaleToBox scales (w, h) keeping the aspect ratio so that the longer edge
// equals size. Neither result is smaller than 1.
func ScaleToBox(w, h, size int) (int, int) {
	if w <= 0 || h <= 0 || size <= 0 {
		return 0, 0
	}
	if w >= h {
		return size, max(1, h*size/w)
	}
	return max(1, w*size/h), size
}

// FitWithin is ScaleToBox that never enlarges: images already inside the
// box keep their size.
func FitWithin(w, h, box int) (int, int) {
	if w <= box && h <= box {
		return w, h
	}
	return ScaleToBox(w, h, box)
}
