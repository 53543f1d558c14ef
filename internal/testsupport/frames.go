package testsupport

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// PNG encodes a w×h gradient. Pixel (x, y) is (x mod 256, y mod 256, 90).
func PNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// WriteFrame stores a PNG frame under dir using the run workspace naming and
// returns its path.
func WriteFrame(t testing.TB, dir string, ordinal, w, h int) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("frame_%03d.png", ordinal))
	if err := os.WriteFile(path, PNG(t, w, h), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
