package studies

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// isDICOM reports whether a slice file name is a DICOM image.
func isDICOM(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".dcm")
}

// readDICOMHeader reads study metadata from a DICOM slice header in the same
// shape as study.toml. Tags that are absent or unparsable are left zero.
func readDICOMHeader(path string) (Sidecar, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return Sidecar{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	var header Sidecar
	if values := dicomStrings(ds, tag.PixelSpacing); len(values) == 2 {
		row, rowErr := parseDecimal(values[0])
		col, colErr := parseDecimal(values[1])
		if rowErr == nil && colErr == nil {
			header.PixelSpacingMM = []float64{row, col}
		}
	}
	if thickness, err := parseDecimal(firstString(ds, tag.SliceThickness)); err == nil {
		header.SliceThicknessMM = thickness
	}
	header.Modality = firstString(ds, tag.Modality)
	header.Description = firstString(ds, tag.StudyDescription)
	header.PatientID = firstString(ds, tag.PatientID)
	header.StudyDate = firstString(ds, tag.StudyDate)
	return header, nil
}

func dicomStrings(ds dicom.Dataset, t tag.Tag) []string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	values, _ := elem.Value.GetValue().([]string)
	return values
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	values := dicomStrings(ds, t)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(values[0], "\x00"))
}

func parseDecimal(v string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(strings.TrimRight(v, "\x00")), 64)
}

// withHeader fills fields the sidecar leaves unset from a DICOM header.
func (s Sidecar) withHeader(header Sidecar) Sidecar {
	if len(s.PixelSpacingMM) == 0 {
		s.PixelSpacingMM = header.PixelSpacingMM
	}
	if s.SliceThicknessMM == 0 {
		s.SliceThicknessMM = header.SliceThicknessMM
	}
	if s.Modality == "" {
		s.Modality = header.Modality
	}
	if s.Description == "" {
		s.Description = header.Description
	}
	if s.PatientID == "" {
		s.PatientID = header.PatientID
	}
	if s.StudyDate == "" {
		s.StudyDate = header.StudyDate
	}
	return s
}
