package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/arbor-data/intake/internal/config"
	"github.com/arbor-data/intake/internal/ingest"
)

type memoryConsumer struct {
	mu      sync.Mutex
	records []ingest.Record
}

func (m *memoryConsumer) HandleBatch(ctx context.Context, records []ingest.Record, startIndex int) error {
	m.mu.Lock()
	m.records = append(m.records, records...)
	m.mu.Unlock()
	return nil
}

func newTestServer(t *testing.T) (*Server, *ingest.Service, *memoryConsumer) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Port: 8080},
		Ingest: config.IngestConfig{
			ChunkSize:   10000,
			MaxFileSize: 1 << 20,
		},
		Rate: config.RateLimitConfig{Enabled: false},
	}
	cons := &memoryConsumer{}
	service := ingest.NewService(cons, ingest.ServiceConfig{})
	return NewServer(cfg, service), service, cons
}

func multipartBody(t *testing.T, fileContents string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "test.csv")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	fw.Write([]byte(fileContents))

	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHandlePreview(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, contentType := multipartBody(t, "id,name\n1,Ann\n", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/preview", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp previewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("preview error = %q", resp.Error)
	}
	if len(resp.Rows) != ingest.PreviewRowCount {
		t.Errorf("rows = %d, want %d", len(resp.Rows), ingest.PreviewRowCount)
	}
	if resp.Rows[0][0] != "id" {
		t.Errorf("first cell = %q, want %q", resp.Rows[0][0], "id")
	}
}

func TestHandlePreview_EmptyFile(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, contentType := multipartBody(t, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/preview", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (previews always resolve)", rec.Code, http.StatusOK)
	}

	var resp previewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp.Error == "" {
		t.Error("empty file should report an error in the outcome")
	}
}

func TestHandleIngest_EndToEnd(t *testing.T) {
	srv, service, cons := newTestServer(t)

	body, contentType := multipartBody(t, "id,name\n1,Ann\n2,Bo\n", map[string]string{
		"assignments": `{"id":0,"name":1}`,
		"hasHeaders":  "true",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	runID := resp["runId"]
	if runID == "" {
		t.Fatal("no runId in response")
	}

	result, err := service.Result(runID)
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if result.Error != "" {
		t.Fatalf("run failed: %s", result.Error)
	}
	if result.RowsSeen != 2 {
		t.Errorf("RowsSeen = %d, want 2", result.RowsSeen)
	}

	cons.mu.Lock()
	defer cons.mu.Unlock()
	if len(cons.records) != 2 {
		t.Fatalf("consumer received %d records, want 2", len(cons.records))
	}
	if cons.records[0]["name"] != "Ann" {
		t.Errorf("records[0][name] = %q, want %q", cons.records[0]["name"], "Ann")
	}
}

func TestHandleIngest_MissingAssignments(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, contentType := multipartBody(t, "a,b\n", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleResult_UnknownRun(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/ingest/nope/result", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestParseAssignments(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, a ingest.FieldAssignments)
	}{
		{
			"empty means none", "", false,
			func(t *testing.T, a ingest.FieldAssignments) {
				if a != nil {
					t.Errorf("assignments = %v, want nil", a)
				}
			},
		},
		{
			"null column is unassigned", `{"id":0,"skip":null}`, false,
			func(t *testing.T, a ingest.FieldAssignments) {
				if ref := a["id"]; !ref.Assigned || ref.Index != 0 {
					t.Errorf("id = %+v, want assigned column 0", ref)
				}
				if ref := a["skip"]; ref.Assigned {
					t.Errorf("skip = %+v, want unassigned", ref)
				}
			},
		},
		{"negative column rejected", `{"id":-1}`, true, nil},
		{"garbage rejected", `{`, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := parseAssignments(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseAssignments() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAssignments() error = %v", err)
			}
			if tt.check != nil {
				tt.check(t, a)
			}
		})
	}
}
