package studies

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"pdxseg/internal/volume"
)

// SidecarName is the optional metadata file read from a study directory.
const SidecarName = "study.toml"

// Sidecar is the on-disk shape of study.toml.
type Sidecar struct {
	PixelSpacingMM   []float64 `toml:"pixel_spacing_mm"`
	SliceThicknessMM float64   `toml:"slice_thickness_mm"`
	Modality         string    `toml:"modality"`
	Description      string    `toml:"description"`
	PatientID        string    `toml:"patient_id"`
	StudyDate        string    `toml:"study_date"`
}

// Spacing converts the sidecar values into voxel spacing. Missing or invalid
// pixel spacing falls back to 1x1 mm and a missing thickness to 1 mm.
func (s Sidecar) Spacing() volume.Spacing {
	spacing := volume.DefaultSpacing
	if len(s.PixelSpacingMM) == 2 && s.PixelSpacingMM[0] > 0 && s.PixelSpacingMM[1] > 0 {
		spacing.RowMM = s.PixelSpacingMM[0]
		spacing.ColMM = s.PixelSpacingMM[1]
	}
	if s.SliceThicknessMM > 0 {
		spacing.ThicknessMM = s.SliceThicknessMM
	}
	return spacing
}

// readSidecar loads study.toml from dir. A missing file yields the zero sidecar.
func readSidecar(dir string) (Sidecar, error) {
	var sidecar Sidecar
	data, err := os.ReadFile(filepath.Join(dir, SidecarName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sidecar, nil
		}
		return sidecar, fmt.Errorf("read %s: %w", SidecarName, err)
	}
	if err := toml.Unmarshal(data, &sidecar); err != nil {
		return sidecar, fmt.Errorf("parse %s: %w", SidecarName, err)
	}
	sidecar.Modality = strings.TrimSpace(sidecar.Modality)
	sidecar.Description = strings.TrimSpace(sidecar.Description)
	sidecar.PatientID = strings.TrimSpace(sidecar.PatientID)
	sidecar.StudyDate = strings.TrimSpace(sidecar.StudyDate)
	return sidecar, nil
}

// WriteSidecar writes study.toml into dir.
func WriteSidecar(dir string, sidecar Sidecar) error {
	data, err := toml.Marshal(sidecar)
	if err != nil {
		return fmt.Errorf("encode %s: %w", SidecarName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, SidecarName), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", SidecarName, err)
	}
	return nil
}
