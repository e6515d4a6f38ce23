package services_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"pdxseg/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrModelFailure, "classify", "predict", "slice 4", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrModelFailure) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"classify", "predict", "slice 4", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestNotReadyMatchesNotFound(t *testing.T) {
	err := services.Wrap(services.ErrNotReady, "results", "assemble", "job running", nil)
	if !errors.Is(err, services.ErrNotReady) {
		t.Fatalf("expected not ready marker, got %v", err)
	}
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not ready to match not found, got %v", err)
	}
	if kind := services.Kind(err); kind != "not_ready" {
		t.Fatalf("unexpected kind %q", kind)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{services.Wrap(services.ErrInvalidInput, "api", "start", "study_id required", nil), http.StatusBadRequest},
		{services.Wrap(services.ErrNotFound, "jobs", "get", "", nil), http.StatusNotFound},
		{services.Wrap(services.ErrNotReady, "results", "", "", nil), http.StatusNotFound},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := services.HTTPStatus(tt.err); got != tt.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
