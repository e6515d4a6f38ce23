package export

import (
	"archive/zip"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/kshedden/gonpy"
	"github.com/xuri/excelize/v2"

	"pdxseg/internal/services"
)

// WriteNPZ writes stack as a compressed NumPy archive holding a single
// uint8 array called name with shape (slices, rows, cols).
func WriteNPZ(w io.Writer, name string, stack Stack) error {
	if err := checkStack(stack); err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name + ".npy",
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("npz entry %s: %w", name, err)
	}
	npy, err := gonpy.NewWriter(nopCloser{entry})
	if err != nil {
		return fmt.Errorf("npy writer: %w", err)
	}
	npy.Shape = []int{stack.Slices, stack.Rows, stack.Cols}
	if err := npy.WriteUint8(stack.Data); err != nil {
		return fmt.Errorf("write npy %s: %w", name, err)
	}
	return zw.Close()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// MAT-file level 5 constants.
const (
	matInt8       = 1
	matUint8      = 2
	matInt32      = 5
	matUint32     = 6
	matMatrix     = 14
	matCompressed = 15
	matClassUint8 = 9
	matHeaderText = 116
)

// WriteMAT writes stack as a MATLAB level 5 MAT-file with one compressed
// uint8 variable called name of size slices x rows x cols.
func WriteMAT(w io.Writer, name string, stack Stack) error {
	if err := checkStack(stack); err != nil {
		return err
	}
	header := make([]byte, 128)
	text := fmt.Sprintf("MATLAB 5.0 MAT-file, Platform: GLNXA64, Created on: %s", time.Now().UTC().Format("Mon Jan _2 15:04:05 2006"))
	copy(header, bytes.Repeat([]byte(" "), matHeaderText))
	copy(header, text)
	binary.LittleEndian.PutUint16(header[124:], 0x0100)
	copy(header[126:], "IM")
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write mat header: %w", err)
	}

	var matrix bytes.Buffer
	var flags [8]byte
	binary.LittleEndian.PutUint32(flags[:], matClassUint8)
	writeMATElement(&matrix, matUint32, flags[:])
	dims := make([]byte, 0, 12)
	for _, d := range []int{stack.Slices, stack.Rows, stack.Cols} {
		dims = binary.LittleEndian.AppendUint32(dims, uint32(int32(d)))
	}
	writeMATElement(&matrix, matInt32, dims)
	writeMATElement(&matrix, matInt8, []byte(name))
	writeMATElement(&matrix, matUint8, columnMajor(stack))

	var element bytes.Buffer
	element.Write(matTag(matMatrix, matrix.Len()))
	element.Write(matrix.Bytes())

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(element.Bytes()); err != nil {
		return fmt.Errorf("compress mat variable: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress mat variable: %w", err)
	}
	if _, err := w.Write(matTag(matCompressed, compressed.Len())); err != nil {
		return fmt.Errorf("write mat variable: %w", err)
	}
	if _, err := w.Write(compressed.Bytes()); err != nil {
		return fmt.Errorf("write mat variable: %w", err)
	}
	return nil
}

func matTag(dataType, size int) []byte {
	tag := binary.LittleEndian.AppendUint32(nil, uint32(dataType))
	return binary.LittleEndian.AppendUint32(tag, uint32(size))
}

// writeMATElement writes one tagged sub-element padded to 8 bytes.
func writeMATElement(buf *bytes.Buffer, dataType int, data []byte) {
	buf.Write(matTag(dataType, len(data)))
	buf.Write(data)
	if pad := len(data) % 8; pad != 0 {
		buf.Write(make([]byte, 8-pad))
	}
}

// columnMajor reorders a row-major stack into MATLAB's column-major layout.
func columnMajor(stack Stack) []byte {
	n, rows, cols := stack.Slices, stack.Rows, stack.Cols
	out := make([]byte, len(stack.Data))
	for s := 0; s < n; s++ {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				out[s+n*(r+rows*c)] = stack.Data[(s*rows+r)*cols+c]
			}
		}
	}
	return out
}

func checkStack(stack Stack) error {
	if stack.Slices <= 0 || stack.Rows <= 0 || stack.Cols <= 0 {
		return services.Wrap(services.ErrNotFound, "export", "stack", "nothing to export", nil)
	}
	if len(stack.Data) != stack.Slices*stack.Rows*stack.Cols {
		return services.Wrap(services.ErrInvalidInput, "export", "stack",
			fmt.Sprintf("%d bytes for a %dx%dx%d volume", len(stack.Data), stack.Slices, stack.Rows, stack.Cols), nil)
	}
	return nil
}

// VolumesSheet is the worksheet name of the volumes workbook.
const VolumesSheet = "Volumes"

// Rows of the workbook's metadata block referenced by the area formulas.
const (
	xlsxSpacingRow   = 4
	xlsxThicknessRow = 5
	xlsxHeaderRow    = 10
)

// WriteVolumesXLSX writes the study metadata block and one row per slice.
// Scaled areas and the total are spreadsheet formulas over the raw pixel
// counts, so editing the spacing cells recomputes the volume.
func WriteVolumesXLSX(w io.Writer, table VolumeTable) error {
	if len(table.Names) != len(table.RawAreas) {
		return services.Wrap(services.ErrInvalidInput, "export", "volumes xlsx",
			fmt.Sprintf("%d slice names for %d areas", len(table.Names), len(table.RawAreas)), nil)
	}
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", VolumesSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	rows := [][]any{
		{"Study ID", table.StudyID},
		{"Patient ID", table.PatientID},
		{"Study Date", table.StudyDate},
		{"Pixel Spacing mm", table.Spacing.RowMM, table.Spacing.ColMM},
		{"Slice Thickness mm", table.Spacing.ThicknessMM},
		{"Image Height (px)", table.Rows},
		{"Image Width (px)", table.Cols},
	}
	for i, row := range rows {
		if err := f.SetSheetRow(VolumesSheet, cellName(1, i+1), &row); err != nil {
			return fmt.Errorf("write metadata row %d: %w", i+1, err)
		}
	}
	header := []any{"Slice", "Raw area (pixels)", "Scaled area (cc)"}
	if err := f.SetSheetRow(VolumesSheet, cellName(1, xlsxHeaderRow), &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	first := xlsxHeaderRow + 1
	for i, name := range table.Names {
		r := first + i
		row := []any{name, table.RawAreas[i]}
		if err := f.SetSheetRow(VolumesSheet, cellName(1, r), &row); err != nil {
			return fmt.Errorf("write slice row %d: %w", r, err)
		}
		formula := fmt.Sprintf("B%d*$B$%d*$B$%d*$C$%d/1000", r, xlsxThicknessRow, xlsxSpacingRow, xlsxSpacingRow)
		if err := f.SetCellFormula(VolumesSheet, cellName(3, r), formula); err != nil {
			return fmt.Errorf("write area formula %d: %w", r, err)
		}
	}
	last := first + len(table.Names) - 1
	totalRow := last + 1
	if err := f.SetCellValue(VolumesSheet, cellName(1, totalRow), "Total volume (cc)"); err != nil {
		return fmt.Errorf("write total label: %w", err)
	}
	total := "0"
	if len(table.Names) > 0 {
		total = fmt.Sprintf("SUM(C%d:C%d)", first, last)
	}
	if err := f.SetCellFormula(VolumesSheet, cellName(3, totalRow), total); err != nil {
		return fmt.Errorf("write total formula: %w", err)
	}
	if err := f.SetColWidth(VolumesSheet, "A", "C", 22); err != nil {
		return fmt.Errorf("size columns: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func cellName(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}
