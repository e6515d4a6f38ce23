package studies

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"pdxseg/internal/imaging"
	"pdxseg/internal/logging"
	"pdxseg/internal/services"
	"pdxseg/internal/volume"
)

// Slice is one decoded cross-section of a study. Index is 1-based.
type Slice struct {
	Index int
	Name  string
	Data  *imaging.Grid
}

// UploadFile is one file received for a new study.
type UploadFile struct {
	Name string
	Body io.Reader
}

// Library ingests studies and serves their slices.
type Library struct {
	catalog    *Catalog
	storageDir string
	logger     *slog.Logger
	now        func() time.Time
}

// NewLibrary builds a library whose uploads are copied under storageDir/studies.
func NewLibrary(catalog *Catalog, storageDir string, logger *slog.Logger) *Library {
	return &Library{
		catalog:    catalog,
		storageDir: storageDir,
		logger:     logging.NewComponentLogger(logger, "studies"),
		now:        time.Now,
	}
}

// StudyDir returns the managed directory for a study.
func (l *Library) StudyDir(studyID string) string {
	return filepath.Join(l.storageDir, "studies", studyID)
}

// Ingest records an existing directory as a new study without copying it.
func (l *Library) Ingest(ctx context.Context, dir string) (*Info, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, services.Wrap(services.ErrInvalidInput, "studies", "ingest", "path is required", nil)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, services.Wrap(services.ErrInvalidInput, "studies", "ingest", "resolve path", err)
	}
	stat, err := os.Stat(abs)
	if err != nil || !stat.IsDir() {
		return nil, services.Wrap(services.ErrInvalidInput, "studies", "ingest", fmt.Sprintf("%s is not a directory", abs), err)
	}
	return l.register(ctx, uuid.NewString(), abs, false)
}

// Upload copies the given files into a managed directory and registers them as a study.
// A file named study.toml is kept as the sidecar. For DICOM studies the first
// slice's header supplies whatever the sidecar leaves unset.
func (l *Library) Upload(ctx context.Context, files []UploadFile) (*Info, error) {
	if len(files) == 0 {
		return nil, services.Wrap(services.ErrInvalidInput, "studies", "upload", "no files provided", nil)
	}
	id := uuid.NewString()
	sourceDir := filepath.Join(l.StudyDir(id), "source")
	if err := os.MkdirAll(sourceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create study directory: %w", err)
	}
	for _, file := range files {
		name := filepath.Base(strings.TrimSpace(file.Name))
		if name == "" || name == "." || name == string(filepath.Separator) {
			_ = os.RemoveAll(l.StudyDir(id))
			return nil, services.Wrap(services.ErrInvalidInput, "studies", "upload", fmt.Sprintf("invalid file name %q", file.Name), nil)
		}
		if err := writeFile(filepath.Join(sourceDir, name), file.Body); err != nil {
			_ = os.RemoveAll(l.StudyDir(id))
			return nil, err
		}
	}
	return l.register(ctx, id, sourceDir, true)
}

func (l *Library) register(ctx context.Context, id, dir string, uploaded bool) (*Info, error) {
	files, err := ListSliceFiles(dir)
	if err != nil {
		return nil, err
	}
	sidecar, err := readSidecar(dir)
	if err != nil {
		return nil, services.Wrap(services.ErrInvalidInput, "studies", "register", "study sidecar", err)
	}
	if len(files) > 0 && isDICOM(files[0]) {
		header, err := readDICOMHeader(filepath.Join(dir, files[0]))
		if err != nil {
			return nil, services.Wrap(services.ErrInvalidInput, "studies", "register", "dicom header", err)
		}
		sidecar = sidecar.withHeader(header)
	}

	info := &Info{
		ID:          id,
		SourceDir:   dir,
		Files:       files,
		SliceCount:  len(files),
		Spacing:     sidecar.Spacing(),
		Modality:    sidecar.Modality,
		Description: sidecar.Description,
		PatientID:   sidecar.PatientID,
		StudyDate:   sidecar.StudyDate,
		Uploaded:    uploaded,
		CreatedAt:   l.now().UTC(),
	}
	if len(files) > 0 {
		first, err := decodeFile(filepath.Join(dir, files[0]))
		if err != nil {
			return nil, services.Wrap(services.ErrInvalidInput, "studies", "register", "decode first slice", err)
		}
		info.Rows, info.Cols = first.Height, first.Width
	}

	if err := l.catalog.Insert(ctx, info); err != nil {
		return nil, fmt.Errorf("record study: %w", err)
	}
	l.logger.Info("study registered",
		logging.String(logging.FieldStudyID, id),
		logging.String("source_dir", dir),
		logging.Int("slices", info.SliceCount),
		logging.Bool("uploaded", uploaded),
	)
	if info.SliceCount == 0 {
		logging.WarnWithContext(l.logger, "study has no slices", "study_empty",
			logging.String(logging.FieldStudyID, id),
			logging.String(logging.FieldErrorHint, "add .dcm, .png or .tif slices to the directory"),
			logging.String(logging.FieldImpact, "segmentation jobs for this study will fail"),
		)
	}
	return info, nil
}

// Info returns study metadata.
func (l *Library) Info(ctx context.Context, studyID string) (*Info, error) {
	return l.catalog.Get(ctx, studyID)
}

// List returns every registered study.
func (l *Library) List(ctx context.Context) ([]*Info, error) {
	return l.catalog.List(ctx)
}

// ListSlices returns the 1-based indices of the study's slices in acquisition order.
func (l *Library) ListSlices(ctx context.Context, studyID string) ([]int, error) {
	info, err := l.catalog.Get(ctx, studyID)
	if err != nil {
		return nil, err
	}
	indices := make([]int, info.SliceCount)
	for i := range indices {
		indices[i] = i + 1
	}
	return indices, nil
}

// Slice decodes the slice at the 1-based index.
func (l *Library) Slice(ctx context.Context, studyID string, index int) (Slice, error) {
	info, err := l.catalog.Get(ctx, studyID)
	if err != nil {
		return Slice{}, err
	}
	if index < 1 || index > len(info.Files) {
		return Slice{}, services.Wrap(services.ErrNotFound, "studies", "slice",
			fmt.Sprintf("study %s has no slice %d", studyID, index), nil)
	}
	name := info.Files[index-1]
	grid, err := decodeFile(filepath.Join(info.SourceDir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Slice{}, services.Wrap(services.ErrNotFound, "studies", "slice", name, err)
		}
		return Slice{}, fmt.Errorf("slice %d of %s: %w", index, studyID, err)
	}
	return Slice{Index: index, Name: name, Data: grid}, nil
}

// Spacing returns the study's voxel spacing.
func (l *Library) Spacing(ctx context.Context, studyID string) (volume.Spacing, error) {
	info, err := l.catalog.Get(ctx, studyID)
	if err != nil {
		return volume.Spacing{}, err
	}
	return info.Spacing.OrDefault(), nil
}

// ListSliceFiles returns the slice image names in dir in lexical order,
// skipping directories and AppleDouble "._" files.
func ListSliceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read study directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "._") || !imaging.SupportedSliceExt(name) {
			continue
		}
		files = append(files, name)
	}
	slices.Sort(files)
	return files, nil
}

func decodeFile(path string) (*imaging.Grid, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return imaging.DecodeSlice(file, path)
}

func writeFile(path string, body io.Reader) error {
	dest, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if body != nil {
		if _, err := io.Copy(dest, body); err != nil {
			dest.Close()
			return fmt.Errorf("copy %s: %w", filepath.Base(path), err)
		}
	}
	if err := dest.Sync(); err != nil {
		dest.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := dest.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}
