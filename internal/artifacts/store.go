// Package artifacts persists per-slice derived files keyed by study, slice
// index, and artifact kind.
//
// Layout: {root}/studies/{study}/artifacts/{kind}/{index}.png. Writes go to a
// temp file in the same directory and are renamed into place, so readers see
// either the old or the new artifact, never a partial one.
package artifacts

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"pdxseg/internal/imaging"
	"pdxseg/internal/logging"
	"pdxseg/internal/services"
)

// Kind names a family of per-slice artifacts.
type Kind string

const (
	// KindMask is the binary segmentation mask. Masks are the source of truth
	// for results and are never pruned.
	KindMask Kind = "mask"
	// KindRender is the slice rendered to an 8-bit PNG.
	KindRender Kind = "render"
	// KindOverlay is the render with the mask composited on top.
	KindOverlay Kind = "overlay"
)

// Derived reports whether the kind is a regenerable cache.
func (k Kind) Derived() bool { return k == KindRender || k == KindOverlay }

func (k Kind) valid() bool {
	return k == KindMask || k == KindRender || k == KindOverlay
}

const sliceLockStripes = 64

// Store is a filesystem-backed artifact store.
type Store struct {
	root   string
	logger *slog.Logger
	slices [sliceLockStripes]sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for non-fatal store warnings.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logging.NewComponentLogger(logger, "artifacts")
	}
}

// NewStore roots the store at storageDir.
func NewStore(storageDir string, opts ...StoreOption) *Store {
	s := &Store{root: filepath.Join(storageDir, "studies"), logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LockSlice holds the per-slice lock that orders mask rewrites against
// overlay regeneration, and returns its release func. Distinct slices may
// share a stripe.
func (s *Store) LockSlice(studyID string, index int) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(studyID))
	mu := &s.slices[(h.Sum32()+uint32(index))%sliceLockStripes]
	mu.Lock()
	return mu.Unlock
}

// Root returns the directory holding every study.
func (s *Store) Root() string { return s.root }

// Path returns where an artifact lives, whether or not it exists.
func (s *Store) Path(studyID string, index int, kind Kind) (string, error) {
	dir, err := s.kindDir(studyID, kind)
	if err != nil {
		return "", err
	}
	if index < 1 {
		return "", services.Wrap(services.ErrInvalidInput, "artifacts", "path", fmt.Sprintf("slice index %d", index), nil)
	}
	return filepath.Join(dir, fmt.Sprintf("%04d.png", index)), nil
}

func (s *Store) kindDir(studyID string, kind Kind) (string, error) {
	if err := validateStudyID(studyID); err != nil {
		return "", err
	}
	if !kind.valid() {
		return "", services.Wrap(services.ErrInvalidInput, "artifacts", "path", fmt.Sprintf("unknown kind %q", kind), nil)
	}
	return filepath.Join(s.root, studyID, "artifacts", string(kind)), nil
}

func validateStudyID(studyID string) error {
	if studyID == "" || studyID == "." || studyID == ".." || strings.ContainsAny(studyID, `/\`) {
		return services.Wrap(services.ErrInvalidInput, "artifacts", "path", fmt.Sprintf("invalid study id %q", studyID), nil)
	}
	return nil
}

// Put atomically writes an artifact.
func (s *Store) Put(studyID string, index int, kind Kind, data []byte) error {
	path, err := s.Path(studyID, index, kind)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("commit artifact: %w", err)
	}
	return nil
}

// Get reads an artifact. A missing artifact yields services.ErrNotFound.
func (s *Store) Get(studyID string, index int, kind Kind) ([]byte, error) {
	path, err := s.Path(studyID, index, kind)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "artifacts", "get",
				fmt.Sprintf("%s %d of study %s", kind, index, studyID), nil)
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Delete removes an artifact if present.
func (s *Store) Delete(studyID string, index int, kind Kind) error {
	path, err := s.Path(studyID, index, kind)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// Indices lists the slice indices that have an artifact of the given kind, ascending.
func (s *Store) Indices(studyID string, kind Kind) ([]int, error) {
	dir, err := s.kindDir(studyID, kind)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var out []int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".png") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, ".png"))
		if err != nil || idx < 1 {
			continue
		}
		out = append(out, idx)
	}
	slices.Sort(out)
	return out, nil
}

// PutMask stores a mask as a 0/255 PNG and drops the slice's cached overlay.
// The returned error reflects the mask write only; a failed overlay
// invalidation is logged.
func (s *Store) PutMask(studyID string, index int, mask *imaging.Mask) error {
	data, err := imaging.MaskPNG(mask)
	if err != nil {
		return fmt.Errorf("encode mask: %w", err)
	}
	defer s.LockSlice(studyID, index)()
	if err := s.Put(studyID, index, KindMask, data); err != nil {
		return err
	}
	if err := s.Delete(studyID, index, KindOverlay); err != nil {
		logging.WarnWithContext(s.logger, "stale overlay not removed", "overlay_invalidate_failed",
			logging.String(logging.FieldStudyID, studyID),
			logging.Int(logging.FieldSliceIndex, index),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the overlay file or run `pdxseg prune`"),
			logging.String(logging.FieldImpact, "the overlay shows the previous mask until pruned"),
		)
	}
	return nil
}

// GetMask loads a stored mask.
func (s *Store) GetMask(studyID string, index int) (*imaging.Mask, error) {
	data, err := s.Get(studyID, index, KindMask)
	if err != nil {
		return nil, err
	}
	return imaging.DecodeMask(bytes.NewReader(data))
}

// MaskIndices lists the slice indices with a stored mask, ascending.
func (s *Store) MaskIndices(studyID string) ([]int, error) {
	return s.Indices(studyID, KindMask)
}
