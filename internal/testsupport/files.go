package testsupport

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// WriteSlicePNG writes an 8-bit grayscale PNG of the given geometry. Missing
// pixel values are left at zero.
func WriteSlicePNG(t testing.TB, path string, width, height int, pix []uint8) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, pix)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

// WriteSliceStack writes one slice_NNN.png per entry in lit. A true entry
// gets a bright square in the middle of an otherwise dark slice; false
// entries are uniformly dark. It returns the file names in order.
func WriteSliceStack(t testing.TB, dir string, size int, lit []bool) []string {
	t.Helper()

	names := make([]string, len(lit))
	for i, on := range lit {
		pix := make([]uint8, size*size)
		if on {
			lo, hi := size/4, size-size/4
			for y := lo; y < hi; y++ {
				for x := lo; x < hi; x++ {
					pix[y*size+x] = 250
				}
			}
		}
		names[i] = fmt.Sprintf("slice_%03d.png", i+1)
		WriteSlicePNG(t, filepath.Join(dir, names[i]), size, size, pix)
	}
	return names
}

// LitArea is the positive pixel count WriteSliceStack produces for a lit slice.
func LitArea(size int) int {
	side := size - 2*(size/4)
	return side * side
}
