package imaging_test

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdxseg/internal/imaging"
	"pdxseg/internal/testsupport"
)

func gridOf(width, height int, values ...float32) *imaging.Grid {
	g := imaging.NewGrid(width, height)
	copy(g.Pix, values)
	return g
}

func TestNormalizeScalesToUnitRange(t *testing.T) {
	g := gridOf(2, 2, 10, 20, 30, 50)
	out := imaging.Normalize(g)
	assert.InDeltaSlice(t, []float32{0, 0.25, 0.5, 1}, out.Pix, 1e-6)
	assert.Equal(t, float32(10), g.Pix[0], "input must not be modified")
}

func TestNormalizeLeavesConstantGridUnchanged(t *testing.T) {
	g := gridOf(2, 1, 7, 7)
	out := imaging.Normalize(g)
	assert.Equal(t, []float32{7, 7}, out.Pix)
}

func TestBinarizeIncludesThreshold(t *testing.T) {
	scores := gridOf(4, 1, 0.1, 0.5, 0.49, 0.9)
	m := imaging.Binarize(scores, 0.5)
	assert.Equal(t, []uint8{0, 1, 0, 1}, m.Pix)
	assert.Equal(t, 2, m.Count())
}

func TestResizePreservesRange(t *testing.T) {
	g := gridOf(2, 2, 0, 100, 100, 200)
	out := imaging.Resize(g, imaging.Size{Width: 4, Height: 4})
	require.Equal(t, imaging.Size{Width: 4, Height: 4}, out.Size())
	lo, hi := out.Bounds()
	assert.GreaterOrEqual(t, lo, float32(0))
	assert.LessOrEqual(t, hi, float32(200.01))
}

func TestResizeSameSizeCopies(t *testing.T) {
	g := gridOf(2, 1, 1, 2)
	out := imaging.Resize(g, g.Size())
	out.Pix[0] = 9
	assert.Equal(t, float32(1), g.Pix[0])
}

func TestResizeMaskStaysBinary(t *testing.T) {
	m := imaging.NewMask(2, 2)
	m.Pix[0] = 1
	up := imaging.ResizeMask(m, imaging.Size{Width: 4, Height: 4})
	require.Equal(t, 16, len(up.Pix))
	for _, v := range up.Pix {
		assert.Contains(t, []uint8{0, 1}, v)
	}
	assert.Equal(t, 4, up.Count())

	down := imaging.ResizeMask(up, imaging.Size{Width: 2, Height: 2})
	assert.Equal(t, m.Pix, down.Pix)
}

func TestMaskPNGRoundTrip(t *testing.T) {
	m := imaging.NewMask(3, 2)
	m.Pix[1] = 1
	m.Pix[5] = 1
	data, err := imaging.MaskPNG(m)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	gray, ok := img.(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, uint8(255), gray.GrayAt(1, 0).Y)
	assert.Equal(t, uint8(0), gray.GrayAt(0, 0).Y)

	back, err := imaging.DecodeMask(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, m.Pix, back.Pix)
}

func TestDecodeSliceKeeps16BitValues(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 2, 1))
	img.SetGray16(0, 0, color.Gray16{Y: 1000})
	img.SetGray16(1, 0, color.Gray16{Y: 40000})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	g, err := imaging.DecodeSlice(&buf, "slice_001.png")
	require.NoError(t, err)
	assert.Equal(t, []float32{1000, 40000}, g.Pix)
}

func TestDecodeSliceRejectsUnknownExtension(t *testing.T) {
	_, err := imaging.DecodeSlice(bytes.NewReader(nil), "slice.jpg")
	assert.Error(t, err)
}

func TestSupportedSliceExt(t *testing.T) {
	assert.True(t, imaging.SupportedSliceExt("a.PNG"))
	assert.True(t, imaging.SupportedSliceExt("a.tiff"))
	assert.True(t, imaging.SupportedSliceExt("a.DCM"))
	assert.False(t, imaging.SupportedSliceExt("a.jpg"))
}

func TestDecodeSliceReadsDICOMPixels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IM0001.dcm")
	testsupport.WriteDICOM(t, path, testsupport.DICOMSlice{
		Rows:   2,
		Cols:   3,
		Pixels: []uint16{0, 100, 200, 300, 400, 1200},
	})
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	g, err := imaging.DecodeSlice(f, path)
	require.NoError(t, err)
	assert.Equal(t, imaging.Size{Width: 3, Height: 2}, g.Size())
	assert.Equal(t, []float32{0, 100, 200, 300, 400, 1200}, g.Pix)
}

func TestDecodeSliceRejectsCorruptDICOM(t *testing.T) {
	_, err := imaging.DecodeSlice(bytes.NewReader([]byte("not a dicom file")), "IM0001.dcm")
	assert.ErrorContains(t, err, "IM0001.dcm")
}

func TestGridValidate(t *testing.T) {
	assert.NoError(t, gridOf(1, 1, 0).Validate())
	assert.Error(t, (&imaging.Grid{Width: 2, Height: 2, Pix: make([]float32, 3)}).Validate())
	var nilGrid *imaging.Grid
	assert.Error(t, nilGrid.Validate())
}
