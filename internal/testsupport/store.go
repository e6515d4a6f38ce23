package testsupport

import (
	"context"
	"testing"

	"pdxseg/internal/config"
	"pdxseg/internal/studies"
)

// MustOpenCatalog opens a study catalog for tests and registers cleanup.
func MustOpenCatalog(t testing.TB, cfg *config.Config) *studies.Catalog {
	t.Helper()

	catalog, err := studies.OpenCatalog(cfg.CatalogPath())
	if err != nil {
		t.Fatalf("studies.OpenCatalog: %v", err)
	}
	t.Cleanup(func() {
		catalog.Close()
	})
	return catalog
}

// NewLibrary builds a study library backed by a fresh catalog.
func NewLibrary(t testing.TB, cfg *config.Config) *studies.Library {
	t.Helper()
	return studies.NewLibrary(MustOpenCatalog(t, cfg), cfg.Paths.StorageDir, nil)
}

// IngestStack writes a slice stack into a temp directory and ingests it.
func IngestStack(t testing.TB, lib *studies.Library, size int, lit []bool) *studies.Info {
	t.Helper()

	dir := t.TempDir()
	WriteSliceStack(t, dir, size, lit)
	info, err := lib.Ingest(context.Background(), dir)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return info
}
