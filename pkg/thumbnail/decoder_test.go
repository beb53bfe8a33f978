package thumbnail

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// writePNGSource writes a w x h PNG and returns its path.
func writePNGSource(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0x80, 0xff})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return path
}

func TestImageDecoderDownscales(t *testing.T) {
	src := writePNGSource(t, t.TempDir(), "tall.png", 300, 900)

	d, err := ImageDecoder{}.Decode(src, 256)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if d.Width != 300 || d.Height != 900 {
		t.Errorf("Expected original 300x900, got %dx%d", d.Width, d.Height)
	}
	if b := d.Image.Bounds(); b.Dx() != 85 || b.Dy() != 256 {
		t.Errorf("Expected 85x256 thumbnail, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestImageDecoderDoesNotUpscale(t *testing.T) {
	src := writePNGSource(t, t.TempDir(), "small.png", 40, 30)

	d, err := ImageDecoder{}.Decode(src, 128)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if b := d.Image.Bounds(); b.Dx() != 40 || b.Dy() != 30 {
		t.Errorf("Expected 40x30 thumbnail, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestImageDecoderRejectsNonImages(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "notes.jpg")
	os.WriteFile(text, []byte("just some text pretending to be a jpeg"), 0644)

	if _, err := (ImageDecoder{}).Decode(text, 128); !errors.Is(err, errNotImage) {
		t.Errorf("Expected errNotImage, got %v", err)
	}

	// Valid magic, truncated body.
	good := writePNGSource(t, dir, "good.png", 64, 64)
	data, _ := os.ReadFile(good)
	truncated := filepath.Join(dir, "truncated.png")
	os.WriteFile(truncated, data[:len(data)/2], 0644)

	if _, err := (ImageDecoder{}).Decode(truncated, 128); err == nil {
		t.Error("Expected an error decoding a truncated png")
	}
}

func TestScaleToBox(t *testing.T) {
	cases := []struct {
		w, h, size   int
		wantW, wantH int
	}{
		{1000, 500, 128, 128, 64},
		{500, 1000, 128, 64, 128},
		{300, 300, 256, 256, 256},
		{10, 5, 100, 100, 50},
		{5000, 1, 128, 128, 1},
		{0, 10, 128, 0, 0},
	}
	for _, c := range cases {
		w, h := ScaleToBox(c.w, c.h, c.size)
		if w != c.wantW || h != c.wantH {
			t.Errorf("ScaleToBox(%d, %d, %d) = %dx%d, want %dx%d", c.w, c.h, c.size, w, h, c.wantW, c.wantH)
		}
	}

	if w, h := FitWithin(10, 5, 100); w != 10 || h != 5 {
		t.Errorf("FitWithin enlarged 10x5 to %dx%d", w, h)
	}
}
