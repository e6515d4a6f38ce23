package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pdxseg/internal/api"
	"pdxseg/internal/config"
	"pdxseg/internal/export"
	"pdxseg/internal/logging"
	"pdxseg/internal/overlay"
	"pdxseg/internal/services"
	"pdxseg/internal/studies"
	"pdxseg/internal/workflow"
)

const (
	maxUploadBody   = 64 << 20
	maxUploadMemory = 16 << 20
	maxJSONBody     = 1 << 20
)

type apiServer struct {
	bind        string
	uploadLimit int64
	logger      *slog.Logger
	daemon      *Daemon
	handler     http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:        strings.TrimSpace(cfg.Paths.APIBind),
		uploadLimit: maxUploadBody,
		logger:      logger,
		daemon:      d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("POST /api/studies/ingest", srv.handleIngest)
	mux.HandleFunc("POST /api/studies/upload", srv.handleUpload)
	mux.HandleFunc("GET /api/studies/{study}/info", srv.handleStudyInfo)
	mux.HandleFunc("POST /api/segment/start", srv.handleStart)
	mux.HandleFunc("GET /api/segment", srv.handleJobs)
	mux.HandleFunc("GET /api/segment/{job}/status", srv.handleJobStatus)
	mux.HandleFunc("POST /api/segment/resegment", srv.handleResegment)
	mux.HandleFunc("GET /api/results/{job}", srv.handleResult)
	mux.HandleFunc("GET /api/images/{study}/{index}", srv.handleSliceImage)
	mux.HandleFunc("GET /api/images/{study}/{index}/overlay", srv.handleOverlayImage)
	mux.HandleFunc("GET /api/export/{study}/images.zip", srv.handleExportImages)
	mux.HandleFunc("GET /api/export/{study}/volumes.csv", srv.handleExportCSV)
	mux.HandleFunc("GET /api/export/{study}/volumes.png", srv.handleExportChart)
	mux.HandleFunc("GET /api/export/{study}/volumes.xlsx", srv.handleExportXLSX)
	mux.HandleFunc("GET /api/export/{study}/images.npz", srv.handleExportImageStack)
	mux.HandleFunc("GET /api/export/{study}/masks", srv.handleExportMaskStack)
	srv.handler = withRequestID(mux)
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return errors.New("api listen: paths.api_bind is empty")
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server, listener := s.server, s.listener
	s.server, s.listener = nil, nil
	s.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	if listener != nil {
		_ = listener.Close()
	}
}

func (s *apiServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.Health{Status: "ok"})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req api.IngestRequest
	if !s.decode(w, r, &req) {
		return
	}
	info, err := s.daemon.library.Ingest(r.Context(), req.Path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StudyResponse{StudyID: info.ID, Files: info.Files})
}

func (s *apiServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.writeError(w, http.StatusBadRequest, "no files provided")
		return
	}
	files := make([]studies.UploadFile, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "read upload "+fh.Filename+": "+err.Error())
			return
		}
		opened = append(opened, f)
		files = append(files, studies.UploadFile{Name: fh.Filename, Body: f})
	}

	info, err := s.daemon.library.Upload(r.Context(), files)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StudyResponse{StudyID: info.ID, Files: info.Files})
}

func (s *apiServer) handleStudyInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.daemon.library.Info(r.Context(), r.PathValue("study"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *apiServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var req api.StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	jobID, err := s.daemon.runner.Start(r.Context(), workflow.StartRequest{
		StudyID:   req.StudyID,
		Threshold: req.Threshold,
		Model:     req.Model,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StartResponse{JobID: jobID})
}

func (s *apiServer) handleJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: api.FromJobs(s.daemon.registry.List())})
}

func (s *apiServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.registry.Get(r.PathValue("job"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromJob(job))
}

func (s *apiServer) handleResegment(w http.ResponseWriter, r *http.Request) {
	var req api.ResegmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	updated, err := s.daemon.runner.Resegment(r.Context(), req.StudyID, req.Slices)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if updated == nil {
		updated = []int{}
	}
	s.writeJSON(w, http.StatusOK, api.ResegmentResponse{StudyID: req.StudyID, UpdatedSlices: updated})
}

func (s *apiServer) handleResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.daemon.assembler.Assemble(r.Context(), r.PathValue("job"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleSliceImage(w http.ResponseWriter, r *http.Request) {
	index, ok := s.sliceIndex(w, r)
	if !ok {
		return
	}
	data, err := s.daemon.renders.SlicePNG(r.Context(), r.PathValue("study"), index)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeBytes(w, "image/png", "", data)
}

func (s *apiServer) handleOverlayImage(w http.ResponseWriter, r *http.Request) {
	index, ok := s.sliceIndex(w, r)
	if !ok {
		return
	}
	alpha := overlay.DefaultAlpha
	if raw := strings.TrimSpace(r.URL.Query().Get("alpha")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid alpha")
			return
		}
		alpha = parsed
	}
	data, err := s.daemon.renders.OverlayPNG(r.Context(), r.PathValue("study"), index, alpha)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	s.writeBytes(w, "image/png", "", data)
}

func (s *apiServer) handleExportImages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	kind := strings.TrimSpace(query.Get("kind"))
	if kind == "" {
		kind = export.KindOverlays
	}
	prefix := strings.TrimSpace(query.Get("prefix"))

	entries, err := s.daemon.exporter.Images(r.Context(), r.PathValue("study"), kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteImagesZip(&buf, entries, prefix); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeBytes(w, "application/zip", export.ArchiveFilename(kind, prefix), buf.Bytes())
}

func (s *apiServer) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	table, err := s.daemon.exporter.Volumes(r.Context(), r.PathValue("study"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteVolumesCSV(&buf, table.Names, table.AreasCC, table.TotalCC); err != nil {
		s.fail(w, r, err)
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	s.writeBytes(w, "text/csv", export.Prefixed(prefix, "volumes.csv"), buf.Bytes())
}

func (s *apiServer) handleExportChart(w http.ResponseWriter, r *http.Request) {
	table, err := s.daemon.exporter.Volumes(r.Context(), r.PathValue("study"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteVolumeChart(&buf, table.AreasCC); err != nil {
		s.fail(w, r, err)
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	s.writeBytes(w, "image/png", export.Prefixed(prefix, "volumes.png"), buf.Bytes())
}

func (s *apiServer) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	table, err := s.daemon.exporter.Volumes(r.Context(), r.PathValue("study"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteVolumesXLSX(&buf, table); err != nil {
		s.fail(w, r, err)
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	s.writeBytes(w, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		export.Prefixed(prefix, "volumes.xlsx"), buf.Bytes())
}

func (s *apiServer) handleExportImageStack(w http.ResponseWriter, r *http.Request) {
	stack, err := s.daemon.exporter.ImageStack(r.Context(), r.PathValue("study"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteNPZ(&buf, "images", stack); err != nil {
		s.fail(w, r, err)
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	s.writeBytes(w, "application/octet-stream", export.StackFilename("images", export.FormatNPZ, prefix), buf.Bytes())
}

func (s *apiServer) handleExportMaskStack(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	format, err := export.ParseStackFormat(query.Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stack, err := s.daemon.exporter.MaskStack(r.Context(), r.PathValue("study"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	write := export.WriteNPZ
	if format == export.FormatMAT {
		write = export.WriteMAT
	}
	if err := write(&buf, "masks", stack); err != nil {
		s.fail(w, r, err)
		return
	}
	prefix := strings.TrimSpace(query.Get("prefix"))
	s.writeBytes(w, "application/octet-stream", export.StackFilename("masks", format, prefix), buf.Bytes())
}

func (s *apiServer) sliceIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid slice index")
		return 0, false
	}
	return index, true
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// fail maps a service error onto its HTTP status. Server-side failures are
// logged; client errors are not.
func (s *apiServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := services.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		attrs := []logging.Attr{
			logging.String("path", r.URL.Path),
			logging.String("error_kind", services.Kind(err)),
			logging.Error(err),
		}
		if id, ok := services.RequestIDFromContext(r.Context()); ok {
			attrs = append(attrs, logging.String(logging.FieldCorrelationID, id))
		}
		logging.ErrorWithContext(s.log(), "api request failed", "api_request_failed", attrs...)
	}
	s.writeError(w, status, err.Error())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Warn("failed to encode api response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (s *apiServer) writeBytes(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log().Debug("api response write interrupted", logging.Error(err))
	}
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return logging.NewComponentLogger(s.logger, "api-server")
	}
	return logging.NewNop()
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}
