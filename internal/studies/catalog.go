package studies

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pdxseg/internal/services"
	"pdxseg/internal/volume"
)

// Info describes an ingested study.
type Info struct {
	ID          string         `json:"study_id"`
	SourceDir   string         `json:"source_dir"`
	Files       []string       `json:"files"`
	SliceCount  int            `json:"slice_count"`
	Rows        int            `json:"height"`
	Cols        int            `json:"width"`
	Spacing     volume.Spacing `json:"spacing"`
	Modality    string         `json:"modality,omitempty"`
	Description string         `json:"study_description,omitempty"`
	PatientID   string         `json:"patient_id,omitempty"`
	StudyDate   string         `json:"study_date,omitempty"`
	Uploaded    bool           `json:"uploaded"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Catalog persists study records in SQLite.
type Catalog struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// OpenCatalog opens or creates the catalog database at path.
func OpenCatalog(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure catalog directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	catalog := &Catalog{db: db, path: path}
	if err := catalog.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return catalog, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Path returns the database file location.
func (c *Catalog) Path() string { return c.path }

// Insert records a study. Ids must be unique.
func (c *Catalog) Insert(ctx context.Context, info *Info) error {
	if info == nil {
		return errors.New("study info is nil")
	}
	files, err := json.Marshal(info.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	return retryOnBusy(ctx, func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO studies (
                id, source_dir, files_json, slice_count, rows, cols,
                row_mm, col_mm, thickness_mm, modality, description,
                patient_id, study_date, uploaded, created_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			info.ID,
			info.SourceDir,
			string(files),
			info.SliceCount,
			info.Rows,
			info.Cols,
			info.Spacing.RowMM,
			info.Spacing.ColMM,
			info.Spacing.ThicknessMM,
			nullableString(info.Modality),
			nullableString(info.Description),
			nullableString(info.PatientID),
			nullableString(info.StudyDate),
			boolToInt(info.Uploaded),
			info.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

const studyColumns = `id, source_dir, files_json, slice_count, rows, cols, row_mm, col_mm,
    thickness_mm, modality, description, patient_id, study_date, uploaded, created_at`

// Get returns the study with the given id.
func (c *Catalog) Get(ctx context.Context, id string) (*Info, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+studyColumns+` FROM studies WHERE id = ?`, id)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "studies", "get", fmt.Sprintf("study %q", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get study: %w", err)
	}
	return info, nil
}

// List returns every study, oldest first.
func (c *Catalog) List(ctx context.Context) ([]*Info, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+studyColumns+` FROM studies ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	defer rows.Close()

	var out []*Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan study: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func scanInfo(scanner interface{ Scan(dest ...any) error }) (*Info, error) {
	var (
		info                                        Info
		filesJSON, createdAt                        string
		modality, description, patientID, studyDate sql.NullString
		uploaded                                    int
	)
	if err := scanner.Scan(
		&info.ID,
		&info.SourceDir,
		&filesJSON,
		&info.SliceCount,
		&info.Rows,
		&info.Cols,
		&info.Spacing.RowMM,
		&info.Spacing.ColMM,
		&info.Spacing.ThicknessMM,
		&modality,
		&description,
		&patientID,
		&studyDate,
		&uploaded,
		&createdAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filesJSON), &info.Files); err != nil {
		return nil, fmt.Errorf("decode files for %s: %w", info.ID, err)
	}
	info.Modality = modality.String
	info.Description = description.String
	info.PatientID = patientID.String
	info.StudyDate = studyDate.String
	info.Uploaded = uploaded != 0
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", info.ID, err)
	}
	info.CreatedAt = ts
	return &info, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
