package testsupport

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// DICOMSlice describes a single-frame 16-bit MR slice. Empty string tags are
// left out of the file.
type DICOMSlice struct {
	Rows, Cols       int
	Pixels           []uint16
	PixelSpacing     string // e.g. `0.5\0.5`
	SliceThickness   string
	PatientID        string
	StudyDate        string
	Modality         string
	StudyDescription string
}

const explicitVRLittleEndian = "1.2.840.10008.1.2.1"

// WriteDICOM writes s as a Part 10 file in explicit VR little endian.
func WriteDICOM(t testing.TB, path string, s DICOMSlice) {
	t.Helper()

	var meta bytes.Buffer
	writeElement(&meta, 0x0002, 0x0001, "OB", []byte{0x00, 0x01})
	writeElement(&meta, 0x0002, 0x0002, "UI", uid("1.2.840.10008.5.1.4.1.1.4"))
	writeElement(&meta, 0x0002, 0x0003, "UI", uid("1.2.826.0.1.3680043.2.1125.1"))
	writeElement(&meta, 0x0002, 0x0010, "UI", uid(explicitVRLittleEndian))

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")
	writeElement(&out, 0x0002, 0x0000, "UL", u32(uint32(meta.Len())))
	out.Write(meta.Bytes())

	text := func(group, elem uint16, vr, value string) {
		if value != "" {
			writeElement(&out, group, elem, vr, padText(value))
		}
	}
	text(0x0008, 0x0020, "DA", s.StudyDate)
	text(0x0008, 0x0060, "CS", s.Modality)
	text(0x0008, 0x1030, "LO", s.StudyDescription)
	text(0x0010, 0x0020, "LO", s.PatientID)
	text(0x0018, 0x0050, "DS", s.SliceThickness)
	writeElement(&out, 0x0028, 0x0002, "US", u16(1))
	writeElement(&out, 0x0028, 0x0004, "CS", padText("MONOCHROME2"))
	writeElement(&out, 0x0028, 0x0010, "US", u16(uint16(s.Rows)))
	writeElement(&out, 0x0028, 0x0011, "US", u16(uint16(s.Cols)))
	text(0x0028, 0x0030, "DS", s.PixelSpacing)
	writeElement(&out, 0x0028, 0x0100, "US", u16(16))
	writeElement(&out, 0x0028, 0x0101, "US", u16(16))
	writeElement(&out, 0x0028, 0x0102, "US", u16(15))
	writeElement(&out, 0x0028, 0x0103, "US", u16(0))

	pixels := make([]byte, 2*s.Rows*s.Cols)
	for i := 0; i < s.Rows*s.Cols && i < len(s.Pixels); i++ {
		binary.LittleEndian.PutUint16(pixels[2*i:], s.Pixels[i])
	}
	writeElement(&out, 0x7FE0, 0x0010, "OW", pixels)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeElement(buf *bytes.Buffer, group, elem uint16, vr string, value []byte) {
	_ = binary.Write(buf, binary.LittleEndian, group)
	_ = binary.Write(buf, binary.LittleEndian, elem)
	buf.WriteString(vr)
	switch vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		buf.Write([]byte{0, 0})
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(value)))
	default:
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(value)))
	}
	buf.Write(value)
}

func padText(v string) []byte {
	if len(v)%2 == 1 {
		v += " "
	}
	return []byte(v)
}

func uid(v string) []byte {
	b := []byte(v)
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	return b
}

func u16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}
