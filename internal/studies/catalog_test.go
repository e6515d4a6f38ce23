package studies_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"pdxseg/internal/studies"
	"pdxseg/internal/volume"
)

func TestCatalogPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	catalog, err := studies.OpenCatalog(path)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	info := &studies.Info{
		ID:         "study-1",
		SourceDir:  "/data/study-1",
		Files:      []string{"a.png", "b.png"},
		SliceCount: 2,
		Rows:       16,
		Cols:       32,
		Spacing:    volume.Spacing{RowMM: 0.4, ColMM: 0.4, ThicknessMM: 1.5},
		Modality:   "CT",
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := catalog.Insert(context.Background(), info); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := catalog.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := studies.OpenCatalog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(context.Background(), "study-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SliceCount != 2 || got.Files[1] != "b.png" || got.Spacing != info.Spacing || got.Modality != "CT" {
		t.Fatalf("unexpected round trip: %+v", got)
	}
	if !got.CreatedAt.Equal(info.CreatedAt) {
		t.Fatalf("unexpected created_at: %v", got.CreatedAt)
	}

	all, err := reopened.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one study, got %d", len(all))
	}
}

func TestCatalogRejectsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	catalog, err := studies.OpenCatalog(path)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	catalog.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	db.Close()

	if _, err := studies.OpenCatalog(path); !errors.Is(err, studies.ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}
