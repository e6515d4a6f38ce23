package export_test

import (
	"archive/zip"
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/kshedden/gonpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"pdxseg/internal/artifacts"
	"pdxseg/internal/export"
	"pdxseg/internal/imaging"
	"pdxseg/internal/overlay"
	"pdxseg/internal/services"
	"pdxseg/internal/testsupport"
	"pdxseg/internal/volume"
)

func sampleStack() export.Stack {
	return export.Stack{
		Slices: 2, Rows: 2, Cols: 3,
		Data: []uint8{
			0, 1, 2,
			3, 4, 5,

			6, 7, 8,
			9, 10, 11,
		},
	}
}

func TestWriteNPZHoldsShapedArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.WriteNPZ(&buf, "masks", sampleStack()))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "masks.npy", zr.File[0].Name)
	assert.Equal(t, zip.Deflate, zr.File[0].Method)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	npy, err := gonpy.NewReader(rc)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, npy.Shape)
	assert.False(t, npy.ColumnMajor)
	data, err := npy.GetUint8()
	require.NoError(t, err)
	assert.Equal(t, sampleStack().Data, data)
}

func TestWriteMATStoresColumnMajorUint8(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.WriteMAT(&buf, "masks", sampleStack()))
	raw := buf.Bytes()
	require.Greater(t, len(raw), 136)

	assert.True(t, bytes.HasPrefix(raw, []byte("MATLAB 5.0 MAT-file")))
	assert.Equal(t, uint16(0x0100), binary.LittleEndian.Uint16(raw[124:]))
	assert.Equal(t, "IM", string(raw[126:128]))

	assert.Equal(t, uint32(15), binary.LittleEndian.Uint32(raw[128:]), "miCOMPRESSED")
	size := binary.LittleEndian.Uint32(raw[132:])
	zr, err := zlib.NewReader(bytes.NewReader(raw[136 : 136+int(size)]))
	require.NoError(t, err)
	element, err := io.ReadAll(zr)
	require.NoError(t, err)

	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(element[off:]) }
	assert.Equal(t, uint32(14), u32(0), "miMATRIX")
	assert.Equal(t, uint32(len(element)-8), u32(4))
	// array flags: miUINT32, 8 bytes, class mxUINT8
	assert.Equal(t, []uint32{6, 8, 9}, []uint32{u32(8), u32(12), u32(16) & 0xff})
	// dimensions: miINT32, 12 bytes, padded to 16
	assert.Equal(t, []uint32{5, 12, 2, 2, 3}, []uint32{u32(24), u32(28), u32(32), u32(36), u32(40)})
	// name: miINT8, 5 bytes, padded to 8
	assert.Equal(t, []uint32{1, 5}, []uint32{u32(48), u32(52)})
	assert.Equal(t, "masks", string(element[56:61]))
	// data: miUINT8, column-major (slice varies fastest)
	assert.Equal(t, []uint32{2, 12}, []uint32{u32(64), u32(68)})
	assert.Equal(t, []uint8{0, 6, 3, 9, 1, 7, 4, 10, 2, 8, 5, 11}, element[72:84])
}

func TestWriteStackRejectsEmptyVolume(t *testing.T) {
	assert.ErrorIs(t, export.WriteNPZ(io.Discard, "masks", export.Stack{}), services.ErrNotFound)
	bad := sampleStack()
	bad.Data = bad.Data[:5]
	assert.ErrorIs(t, export.WriteMAT(io.Discard, "masks", bad), services.ErrInvalidInput)
}

func TestParseStackFormat(t *testing.T) {
	for in, want := range map[string]string{"": export.FormatNPZ, "NPZ": export.FormatNPZ, " mat ": export.FormatMAT} {
		got, err := export.ParseStackFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := export.ParseStackFormat("h5")
	assert.ErrorIs(t, err, services.ErrInvalidInput)
	assert.Equal(t, "mouse1_masks.mat", export.StackFilename("masks", export.FormatMAT, "mouse1"))
}

func TestWriteVolumesXLSXUsesFormulas(t *testing.T) {
	table := export.VolumeTable{
		StudyID:   "study-1",
		PatientID: "PDX-7",
		StudyDate: "20240102",
		Rows:      8,
		Cols:      8,
		Spacing:   volume.Spacing{RowMM: 0.5, ColMM: 0.25, ThicknessMM: 2},
		Names:     []string{"IM0001.dcm", "IM0002.dcm"},
		RawAreas:  []int{64, 0},
	}
	var buf bytes.Buffer
	require.NoError(t, export.WriteVolumesXLSX(&buf, table))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{export.VolumesSheet}, f.GetSheetList())

	cell := func(ref string) string {
		v, err := f.GetCellValue(export.VolumesSheet, ref)
		require.NoError(t, err, ref)
		return v
	}
	formula := func(ref string) string {
		v, err := f.GetCellFormula(export.VolumesSheet, ref)
		require.NoError(t, err, ref)
		return v
	}
	assert.Equal(t, "study-1", cell("B1"))
	assert.Equal(t, "PDX-7", cell("B2"))
	assert.Equal(t, []string{"0.5", "0.25"}, []string{cell("B4"), cell("C4")})
	assert.Equal(t, "2", cell("B5"))
	assert.Equal(t, "Slice", cell("A10"))
	assert.Equal(t, []string{"IM0001.dcm", "64"}, []string{cell("A11"), cell("B11")})
	assert.Equal(t, "B11*$B$5*$B$4*$C$4/1000", formula("C11"))
	assert.Equal(t, "B12*$B$5*$B$4*$C$4/1000", formula("C12"))
	assert.Equal(t, "Total volume (cc)", cell("A13"))
	assert.Equal(t, "SUM(C11:C12)", formula("C13"))
}

func TestExporterStacks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	lib := testsupport.NewLibrary(t, cfg)
	store := artifacts.NewStore(cfg.Paths.StorageDir)
	exp := export.NewExporter(lib, store, overlay.NewCache(lib, store, nil))
	info := testsupport.IngestStack(t, lib, 8, []bool{true, false, true})
	ctx := context.Background()

	_, err := exp.MaskStack(ctx, info.ID)
	assert.ErrorIs(t, err, services.ErrNotFound, "no masks yet")

	images, err := exp.ImageStack(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 8}, []int{images.Slices, images.Rows, images.Cols})
	require.Len(t, images.Data, 3*64)
	assert.Equal(t, uint8(255), images.Data[4*8+4], "lit centre renders white")
	assert.Equal(t, uint8(0), images.Data[64+4*8+4], "dark slice renders black")

	full := imaging.NewMask(8, 8)
	for i := range full.Pix {
		full.Pix[i] = 255
	}
	require.NoError(t, store.PutMask(info.ID, 1, full))
	require.NoError(t, store.PutMask(info.ID, 3, imaging.NewMask(8, 8)))

	masks, err := exp.MaskStack(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, masks.Slices)
	assert.Equal(t, uint8(1), masks.Data[0])
	assert.Equal(t, uint8(0), masks.Data[64])

	require.NoError(t, store.PutMask(info.ID, 2, imaging.NewMask(4, 4)))
	_, err = exp.MaskStack(ctx, info.ID)
	assert.ErrorIs(t, err, services.ErrInvalidInput, "mixed geometry")

	_, err = exp.ImageStack(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrNotFound)
}
