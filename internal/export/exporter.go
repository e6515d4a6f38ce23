package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strconv"
	"strings"

	"pdxseg/internal/artifacts"
	"pdxseg/internal/overlay"
	"pdxseg/internal/services"
	"pdxseg/internal/studies"
	"pdxseg/internal/volume"
)

// Archive kinds accepted by Exporter.Images.
const (
	KindOverlays = "overlays"
	KindMasks    = "masks"
	KindPNGs     = "pngs"
)

// StudyLookup resolves study metadata.
type StudyLookup interface {
	Info(ctx context.Context, studyID string) (*studies.Info, error)
}

// Stack formats accepted for the mask volume download.
const (
	FormatNPZ = "npz"
	FormatMAT = "mat"
)

// VolumeTable is the per-slice measurement of a study's current masks.
// Slices without a stored mask count as zero area.
type VolumeTable struct {
	StudyID   string
	PatientID string
	StudyDate string
	Rows      int
	Cols      int
	Spacing   volume.Spacing
	Names     []string
	RawAreas  []int
	AreasCC   []float64
	TotalCC   float64
}

// Stack is a slices x rows x cols volume of bytes in row-major order.
type Stack struct {
	Slices int
	Rows   int
	Cols   int
	Data   []uint8
}

func (s *Stack) add(index, width, height int, pix []uint8) error {
	if s.Slices == 0 {
		s.Rows, s.Cols = height, width
	} else if width != s.Cols || height != s.Rows {
		return services.Wrap(services.ErrInvalidInput, "export", "stack",
			fmt.Sprintf("slice %d is %dx%d, expected %dx%d", index, width, height, s.Cols, s.Rows), nil)
	}
	s.Data = append(s.Data, pix...)
	s.Slices++
	return nil
}

// Exporter collects export payloads from stored artifacts.
type Exporter struct {
	studies StudyLookup
	store   *artifacts.Store
	renders *overlay.Cache
}

// NewExporter wires an exporter.
func NewExporter(lookup StudyLookup, store *artifacts.Store, renders *overlay.Cache) *Exporter {
	return &Exporter{studies: lookup, store: store, renders: renders}
}

// ArchiveFilename is the download name for an images archive.
func ArchiveFilename(kind, prefix string) string {
	name := kind + ".zip"
	if kind == KindPNGs {
		name = "images.zip"
	}
	return Prefixed(prefix, name)
}

// StackFilename is the download name for a mask or image volume.
func StackFilename(base, format, prefix string) string {
	return Prefixed(prefix, base+"."+format)
}

// ParseStackFormat accepts npz (the default) or mat.
func ParseStackFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatNPZ:
		return FormatNPZ, nil
	case FormatMAT:
		return FormatMAT, nil
	default:
		return "", services.Wrap(services.ErrInvalidInput, "export", "masks",
			fmt.Sprintf("unknown format %q (want npz or mat)", format), nil)
	}
}

// Images gathers the archive entries for kind. Entries are named after the
// study's source files when a source file exists for the index.
func (e *Exporter) Images(ctx context.Context, studyID, kind string) ([]Entry, error) {
	info, err := e.studies.Info(ctx, studyID)
	if err != nil {
		return nil, err
	}

	var (
		indices []int
		load    func(int) ([]byte, error)
	)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindMasks:
		if indices, err = e.store.MaskIndices(studyID); err != nil {
			return nil, err
		}
		load = func(idx int) ([]byte, error) { return e.store.Get(studyID, idx, artifacts.KindMask) }
	case KindOverlays, "":
		if indices, err = e.store.MaskIndices(studyID); err != nil {
			return nil, err
		}
		load = func(idx int) ([]byte, error) { return e.renders.OverlayPNG(ctx, studyID, idx, overlay.DefaultAlpha) }
	case KindPNGs:
		indices = make([]int, info.SliceCount)
		for i := range indices {
			indices[i] = i + 1
		}
		load = func(idx int) ([]byte, error) { return e.renders.SlicePNG(ctx, studyID, idx) }
	default:
		return nil, services.Wrap(services.ErrInvalidInput, "export", "images",
			fmt.Sprintf("unknown kind %q (want overlays, masks or pngs)", kind), nil)
	}
	if len(indices) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "export", "images",
			fmt.Sprintf("no %s to export for study %s", kind, studyID), nil)
	}

	entries := make([]Entry, 0, len(indices))
	for _, idx := range indices {
		data, err := load(idx)
		if err != nil {
			return nil, fmt.Errorf("export slice %d: %w", idx, err)
		}
		entries = append(entries, Entry{Name: EntryName(info.Files, idx), Data: data})
	}
	return entries, nil
}

// EntryName maps a 1-based slice index to "<source base>.png", falling back
// to "<index>.png" when no source file exists for it.
func EntryName(sourceFiles []string, index int) string {
	if index >= 1 && index <= len(sourceFiles) {
		base := filepath.Base(sourceFiles[index-1])
		return strings.TrimSuffix(base, filepath.Ext(base)) + ".png"
	}
	return strconv.Itoa(index) + ".png"
}

// Volumes measures every slice of the study from its stored masks.
func (e *Exporter) Volumes(ctx context.Context, studyID string) (VolumeTable, error) {
	info, err := e.studies.Info(ctx, studyID)
	if err != nil {
		return VolumeTable{}, err
	}
	if len(info.Files) == 0 {
		return VolumeTable{}, services.Wrap(services.ErrNotFound, "export", "volumes",
			fmt.Sprintf("study %s has no slices", studyID), nil)
	}
	raws := make([]int, len(info.Files))
	for i := range info.Files {
		mask, err := e.store.GetMask(studyID, i+1)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				continue
			}
			return VolumeTable{}, err
		}
		raws[i] = volume.RawArea(mask)
	}
	spacing := info.Spacing.OrDefault()
	scaled := volume.ScaleAll(raws, spacing)
	return VolumeTable{
		StudyID:   info.ID,
		PatientID: info.PatientID,
		StudyDate: info.StudyDate,
		Rows:      info.Rows,
		Cols:      info.Cols,
		Spacing:   spacing,
		Names:     append([]string(nil), info.Files...),
		RawAreas:  raws,
		AreasCC:   scaled,
		TotalCC:   volume.TotalVolumeCC(scaled),
	}, nil
}

// ImageStack stacks the 8-bit renders of every slice in acquisition order.
func (e *Exporter) ImageStack(ctx context.Context, studyID string) (Stack, error) {
	info, err := e.studies.Info(ctx, studyID)
	if err != nil {
		return Stack{}, err
	}
	if info.SliceCount == 0 {
		return Stack{}, services.Wrap(services.ErrNotFound, "export", "image stack",
			fmt.Sprintf("study %s has no slices", studyID), nil)
	}
	var stack Stack
	for idx := 1; idx <= info.SliceCount; idx++ {
		data, err := e.renders.SlicePNG(ctx, studyID, idx)
		if err != nil {
			return Stack{}, fmt.Errorf("export slice %d: %w", idx, err)
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return Stack{}, fmt.Errorf("decode slice %d: %w", idx, err)
		}
		gray, ok := img.(*image.Gray)
		if !ok {
			return Stack{}, fmt.Errorf("slice %d render is %T, want grayscale", idx, img)
		}
		b := gray.Bounds()
		pix := make([]uint8, 0, b.Dx()*b.Dy())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			pix = append(pix, gray.Pix[gray.PixOffset(b.Min.X, y):gray.PixOffset(b.Max.X, y)]...)
		}
		if err := stack.add(idx, b.Dx(), b.Dy(), pix); err != nil {
			return Stack{}, err
		}
	}
	return stack, nil
}

// MaskStack stacks the stored masks in slice order with tumor pixels at 1.
// Slices that have no mask are left out, matching the masks archive.
func (e *Exporter) MaskStack(ctx context.Context, studyID string) (Stack, error) {
	if _, err := e.studies.Info(ctx, studyID); err != nil {
		return Stack{}, err
	}
	indices, err := e.store.MaskIndices(studyID)
	if err != nil {
		return Stack{}, err
	}
	if len(indices) == 0 {
		return Stack{}, services.Wrap(services.ErrNotFound, "export", "mask stack",
			fmt.Sprintf("no masks to export for study %s", studyID), nil)
	}
	var stack Stack
	for _, idx := range indices {
		mask, err := e.store.GetMask(studyID, idx)
		if err != nil {
			return Stack{}, fmt.Errorf("export mask %d: %w", idx, err)
		}
		pix := make([]uint8, len(mask.Pix))
		for i, v := range mask.Pix {
			if v != 0 {
				pix[i] = 1
			}
		}
		if err := stack.add(idx, mask.Width, mask.Height, pix); err != nil {
			return Stack{}, err
		}
	}
	return stack, nil
}
