package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/arbor-data/intake/internal/ingest"
	"github.com/arbor-data/intake/internal/logging"
)

// previewResponse is the JSON shape of a preview outcome. Exactly one of
// Rows or Error is meaningful.
type previewResponse struct {
	FileName     string     `json:"fileName"`
	Rows         [][]string `json:"rows,omitempty"`
	FirstChunk   string     `json:"firstChunk,omitempty"`
	IsSingleLine bool       `json:"isSingleLine,omitempty"`
	Warning      string     `json:"warning,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handlePreview samples the first rows of an uploaded CSV. The file is
// never read past the preview window, so even huge uploads return fast.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	file, header, ok := s.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	opts := s.formOptions(r)

	out := ingest.Preview(r.Context(), ingest.Input{Name: header.Filename, Resource: file}, opts)

	resp := previewResponse{FileName: out.FileName}
	if out.Failed() {
		logger.Warn("preview failed", "file", out.FileName, "error", out.Err)
		resp.Error = out.Err.Error()
		writeJSON(w, resp)
		return
	}

	resp.Rows = out.Report.Rows
	resp.FirstChunk = out.Report.FirstChunk
	resp.IsSingleLine = out.Report.IsSingleLine
	if out.Report.Warning != nil {
		resp.Warning = out.Report.Warning.Error()
	}
	logger.Info("preview complete", "file", out.FileName, "single_line", resp.IsSingleLine)
	writeJSON(w, resp)
}

// handleIngest starts an asynchronous streaming run and returns its ID.
// The upload is spooled to a temp file first: the run outlives this
// request, and net/http reclaims multipart temp files when the handler
// returns.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	file, header, ok := s.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	assignments, err := parseAssignments(r.FormValue("assignments"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(assignments) == 0 {
		writeError(w, http.StatusBadRequest, "assignments must map at least one field")
		return
	}
	hasHeaders := r.FormValue("hasHeaders") == "true"

	spooled, err := spoolToTemp(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}

	in := ingest.Input{Name: header.Filename, Resource: spooled}
	runID, err := s.service.Start(r.Context(), in, s.formOptions(r), assignments, hasHeaders)
	if err != nil {
		spooled.Close()
		if errors.Is(err, ingest.ErrTooManyRuns) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.Info("run started", "run_id", runID, "file", header.Filename)
	writeJSON(w, map[string]string{"runId": runID})
}

// handleProgress streams run progress via Server-Sent Events.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing run ID")
		return
	}

	progressCh, err := s.service.SubscribeProgress(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	eventID := 0
	for {
		select {
		case progress, ok := <-progressCh:
			if !ok {
				// Channel closed - run settled
				fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			eventID++
			data, _ := json.Marshal(progress)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", eventID, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleResult returns the final result of a run, or 202 with the current
// progress while it is still streaming.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing run ID")
		return
	}

	progress, err := s.service.Progress(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	switch progress.Phase {
	case ingest.PhaseComplete, ingest.PhaseFailed, ingest.PhaseCancelled:
		result, err := s.service.Result(runID)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, result)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(progress)
	}
}

// handleCancel cancels an in-progress run.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing run ID")
		return
	}

	if err := s.service.Cancel(runID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"cancelled"}`))
}

// formFile parses the multipart form and extracts the uploaded file,
// writing the error response itself on failure.
func (s *Server) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	maxSize := s.cfg.Ingest.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid form")
		return nil, nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return nil, nil, false
	}
	return file, header, true
}

// formOptions builds decode options from optional form fields.
func (s *Server) formOptions(r *http.Request) ingest.Options {
	opts := ingest.Options{
		Encoding:  r.FormValue("encoding"),
		ChunkSize: s.cfg.Ingest.ChunkSize,
	}
	if d := r.FormValue("delimiter"); d != "" {
		opts.Delimiter = []rune(d)[0]
	}
	return opts
}

// parseAssignments decodes the field-to-column mapping. A null column
// means the field is declared but intentionally unassigned.
func parseAssignments(raw string) (ingest.FieldAssignments, error) {
	if raw == "" {
		return nil, nil
	}

	var mapping map[string]*int
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		return nil, fmt.Errorf("invalid assignments format")
	}

	assignments := make(ingest.FieldAssignments, len(mapping))
	for field, col := range mapping {
		if col == nil {
			assignments[field] = ingest.ColumnRef{}
			continue
		}
		if *col < 0 {
			return nil, fmt.Errorf("assignments: column for %q must be non-negative", field)
		}
		assignments[field] = ingest.Column(*col)
	}
	return assignments, nil
}

// tempUpload is a spooled upload that removes its backing file on Close.
type tempUpload struct {
	*os.File
}

func (t *tempUpload) Close() error {
	err := t.File.Close()
	if rmErr := os.Remove(t.File.Name()); err == nil {
		err = rmErr
	}
	return err
}

// spoolToTemp copies the upload to a temp file so an asynchronous run can
// read it after the request completes. Memory stays bounded regardless of
// file size.
func spoolToTemp(src io.Reader) (io.ReadCloser, error) {
	f, err := os.CreateTemp("", "intake-*.csv")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &tempUpload{File: f}, nil
}
