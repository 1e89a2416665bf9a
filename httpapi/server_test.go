package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/config"
	"github.com/scivault/ingestd/convert"
	"github.com/scivault/ingestd/resolve"
	"github.com/scivault/ingestd/token"
	"github.com/scivault/ingestd/upload"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cat := catalog.OpenTemp(t)
	cfg := config.DefaultConfig()
	layout := config.NewLayout(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatalf("layout: %v", err)
	}
	log := quietLogger()
	tokens := token.NewService(cat, []byte("test-signing-key-0123456789abcdef"), time.Hour, 24*time.Hour)
	resolver := resolve.New(cat)
	mgr := upload.NewManager(cat, layout, cfg, log)
	router := upload.NewRouter(cat, resolver, mgr, layout, cfg, log)
	srv := NewServer(cat, cfg, tokens, router, resolver, convert.NewRegistry(cfg), log)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

// doJSON issues a request with an optional bearer token and JSON body, and
// decodes the JSON response into a map.
func doJSON(t *testing.T, ts *httptest.Server, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(blob)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func login(t *testing.T, ts *httptest.Server, email string) string {
	t.Helper()
	code, body := doJSON(t, ts, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": email, "name": "Test User",
	})
	if code != http.StatusOK {
		t.Fatalf("login: status %d, body %v", code, body)
	}
	tok, _ := body["access_token"].(string)
	if tok == "" {
		t.Fatalf("login: no access_token in %v", body)
	}
	if body["token_type"] != "Bearer" {
		t.Fatalf("login: token_type = %v, want Bearer", body["token_type"])
	}
	if u, _ := body["user"].(map[string]any); u == nil || u["email"] != email {
		t.Fatalf("login: user = %v", body["user"])
	}
	return tok
}

// multipartUpload posts a direct upload with the given ingest request and
// file content.
func multipartUpload(t *testing.T, ts *httptest.Server, bearer string, reqBody map[string]any, filename, content string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	blob, err := json.Marshal(reqBody)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := mw.WriteField("request", string(blob)); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create file part: %v", err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/upload/upload", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func TestLoginLogoutFlow(t *testing.T) {
	ts := newTestServer(t)
	tok := login(t, ts, "flow@example.org")

	code, body := doJSON(t, ts, http.MethodGet, "/api/auth/me", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("me: status %d", code)
	}
	if body["email"] != "flow@example.org" {
		t.Fatalf("me: email = %v", body["email"])
	}

	if code, _ := doJSON(t, ts, http.MethodPost, "/api/auth/logout", tok, nil); code != http.StatusOK {
		t.Fatalf("logout: status %d", code)
	}
	if code, _ := doJSON(t, ts, http.MethodGet, "/api/auth/me", tok, nil); code != http.StatusUnauthorized {
		t.Fatalf("me after logout: status %d, want 401", code)
	}
	code, body = doJSON(t, ts, http.MethodGet, "/api/auth/status", tok, nil)
	if code != http.StatusOK || body["authenticated"] != false {
		t.Fatalf("auth status after logout: %d %v", code, body)
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	ts := newTestServer(t)
	code, body := doJSON(t, ts, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "refresh@example.org",
	})
	if code != http.StatusOK {
		t.Fatalf("login: status %d", code)
	}
	refresh, _ := body["refresh_token"].(string)
	if refresh == "" {
		t.Fatal("no refresh token")
	}
	code, body = doJSON(t, ts, http.MethodPost, "/api/auth/refresh", "", map[string]string{
		"refresh_token": refresh,
	})
	if code != http.StatusOK {
		t.Fatalf("refresh: status %d, body %v", code, body)
	}
	if tok, _ := body["access_token"].(string); tok == "" {
		t.Fatal("refresh returned no access token")
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	code, _ := multipartUpload(t, ts, "", map[string]any{
		"dataset_name": "anon", "sensor": "TIFF",
	}, "a.tif", "data")
	if code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", code)
	}
}

func TestDirectUploadAndStatus(t *testing.T) {
	ts := newTestServer(t)
	tok := login(t, ts, "owner@example.org")

	code, body := multipartUpload(t, ts, tok, map[string]any{
		"dataset_name": "survey tiles",
		"sensor":       "TIFF",
		"convert":      true,
	}, "tiles.tif", strings.Repeat("x", 2048))
	if code != http.StatusCreated {
		t.Fatalf("upload: status %d, body %v", code, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("no job_id in %v", body)
	}

	code, status := doJSON(t, ts, http.MethodGet, "/api/upload/status/"+jobID, tok, nil)
	if code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if status["kind"] != "dataset" {
		t.Fatalf("kind = %v", status["kind"])
	}
	if status["status"] != string(catalog.StatusConversionQueued) {
		t.Fatalf("status = %v, want %q", status["status"], catalog.StatusConversionQueued)
	}
	if status["files"] != float64(1) {
		t.Fatalf("files = %v, want 1", status["files"])
	}

	code, ds := doJSON(t, ts, http.MethodGet, "/api/v1/datasets/"+jobID, tok, nil)
	if code != http.StatusOK {
		t.Fatalf("get dataset: %d", code)
	}
	d, _ := ds["dataset"].(map[string]any)
	if d["uuid"] != jobID {
		t.Fatalf("dataset uuid = %v, want %s", d["uuid"], jobID)
	}
}

func TestDirectUploadUnknownSensor(t *testing.T) {
	ts := newTestServer(t)
	tok := login(t, ts, "owner@example.org")
	code, _ := multipartUpload(t, ts, tok, map[string]any{
		"dataset_name": "bad", "sensor": "SONAR",
	}, "a.bin", "data")
	if code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", code)
	}
}

func TestDirectUploadEmptyFile(t *testing.T) {
	ts := newTestServer(t)
	tok := login(t, ts, "owner@example.org")
	code, _ := multipartUpload(t, ts, tok, map[string]any{
		"dataset_name": "empty", "sensor": "TIFF",
	}, "a.tif", "")
	if code != http.StatusBadRequest {
		t.Fatalf("empty file: status %d, want 400", code)
	}
}

func TestChunkedLifecycle(t *testing.T) {
	ts := newTestServer(t)
	tok := login(t, ts, "chunky@example.org")
	payload := "chunk payload bytes"

	code, body := doJSON(t, ts, http.MethodPost, "/api/upload/initiate-chunked", tok, map[string]any{
		"dataset_name": "big scan",
		"sensor":       "HDF5",
		"filename":     "scan.h5",
		"total_bytes":  len(payload),
	})
	if code != http.StatusCreated {
		t.Fatalf("initiate: status %d, body %v", code, body)
	}
	sessionID, _ := body["upload_id"].(string)
	if sessionID == "" {
		t.Fatalf("no upload_id in %v", body)
	}
	if body["total_chunks"] != float64(1) {
		t.Fatalf("total_chunks = %v, want 1", body["total_chunks"])
	}

	// Completing before any chunk arrives reports what is missing.
	code, body = doJSON(t, ts, http.MethodPost, "/api/upload/complete-chunked", tok, map[string]any{
		"upload_id": sessionID,
	})
	if code != http.StatusConflict {
		t.Fatalf("early complete: status %d, want 409", code)
	}
	if missing, ok := body["missing_chunks"].([]any); !ok || len(missing) != 1 {
		t.Fatalf("missing_chunks = %v", body["missing_chunks"])
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("upload_id", sessionID)
	mw.WriteField("chunk_number", "0")
	fw, _ := mw.CreateFormFile("chunk", "scan.h5.part0")
	io.WriteString(fw, payload)
	mw.Close()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/upload/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put chunk: status %d", resp.StatusCode)
	}

	code, body = doJSON(t, ts, http.MethodPost, "/api/upload/complete-chunked", tok, map[string]any{
		"upload_id": sessionID,
	})
	if code != http.StatusOK {
		t.Fatalf("complete: status %d, body %v", code, body)
	}
	d, _ := body["dataset"].(map[string]any)
	if d["status"] != string(catalog.StatusDone) {
		t.Fatalf("dataset status = %v, want %q", d["status"], catalog.StatusDone)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	ts := newTestServer(t)
	tok := login(t, ts, "owner@example.org")

	code, body := multipartUpload(t, ts, tok, map[string]any{
		"dataset_name": "to cancel", "sensor": "TIFF", "convert": true,
	}, "a.tif", "data")
	if code != http.StatusCreated {
		t.Fatalf("upload: status %d", code)
	}
	jobID := body["job_id"].(string)

	code, body = doJSON(t, ts, http.MethodPost, "/api/upload/cancel/"+jobID, tok, nil)
	if code != http.StatusOK {
		t.Fatalf("cancel: status %d, body %v", code, body)
	}
	if body["status"] != "cancelled" {
		t.Fatalf("cancel body = %v", body)
	}

	code, status := doJSON(t, ts, http.MethodGet, "/api/upload/status/"+jobID, tok, nil)
	if code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if status["status"] != string(catalog.StatusCancelled) {
		t.Fatalf("status = %v, want cancelled", status["status"])
	}

	// A repeat cancel is a no-op.
	if code, _ := doJSON(t, ts, http.MethodPost, "/api/upload/cancel/"+jobID, tok, nil); code != http.StatusOK {
		t.Fatalf("repeat cancel: status %d, want 200", code)
	}
}

func TestJobsListing(t *testing.T) {
	ts := newTestServer(t)
	tok := login(t, ts, "lister@example.org")

	for i := 0; i < 3; i++ {
		code, _ := multipartUpload(t, ts, tok, map[string]any{
			"dataset_name": fmt.Sprintf("set %d", i), "sensor": "TIFF",
		}, "a.tif", "data")
		if code != http.StatusCreated {
			t.Fatalf("upload %d: status %d", i, code)
		}
	}

	code, body := doJSON(t, ts, http.MethodGet, "/api/upload/jobs?limit=2", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("jobs: status %d", code)
	}
	jobs, _ := body["jobs"].([]any)
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}

	code, body = doJSON(t, ts, http.MethodGet, "/api/upload/jobs?status=done", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("jobs filtered: status %d", code)
	}
	if jobs, _ := body["jobs"].([]any); len(jobs) != 3 {
		t.Fatalf("done jobs = %d, want 3", len(jobs))
	}

	if code, _ := doJSON(t, ts, http.MethodGet, "/api/upload/jobs?status=bogus", tok, nil); code != http.StatusBadRequest {
		t.Fatalf("bogus filter: status %d, want 400", code)
	}
}

func TestDatasetVisibility(t *testing.T) {
	ts := newTestServer(t)
	owner := login(t, ts, "owner@example.org")
	other := login(t, ts, "other@example.org")

	code, body := multipartUpload(t, ts, owner, map[string]any{
		"dataset_name": "private scan", "sensor": "TIFF",
	}, "a.tif", "data")
	if code != http.StatusCreated {
		t.Fatalf("upload: status %d", code)
	}
	uuid := body["job_id"].(string)

	if code, _ := doJSON(t, ts, http.MethodGet, "/api/v1/datasets/"+uuid, "", nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous read: status %d, want 401", code)
	}
	if code, _ := doJSON(t, ts, http.MethodGet, "/api/v1/datasets/"+uuid, other, nil); code != http.StatusForbidden {
		t.Fatalf("foreign read: status %d, want 403", code)
	}
	if code, _ := doJSON(t, ts, http.MethodGet, "/api/v1/datasets/"+uuid, owner, nil); code != http.StatusOK {
		t.Fatalf("owner read: status %d, want 200", code)
	}
}

func TestPublicEndpoints(t *testing.T) {
	ts := newTestServer(t)

	code, body := doJSON(t, ts, http.MethodGet, "/api/upload/limits", "", nil)
	if code != http.StatusOK {
		t.Fatalf("limits: status %d", code)
	}
	if body["chunk_size_bytes"] == nil || body["max_file_bytes"] == nil {
		t.Fatalf("limits body = %v", body)
	}

	code, body = doJSON(t, ts, http.MethodGet, "/api/upload/supported-sources", "", nil)
	if code != http.StatusOK {
		t.Fatalf("supported-sources: status %d", code)
	}
	if body["sources"] == nil || body["sensors"] == nil {
		t.Fatalf("sources body = %v", body)
	}

	code, body = doJSON(t, ts, http.MethodGet, "/healthz", "", nil)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", code, body)
	}
}
