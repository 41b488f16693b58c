package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillsync/internal/clock"
	"skillsync/internal/store"
)

const skill = "Call §[tool].[search].[web].[c1]§ and [§[tool].[gh].[issues].[1]§,§[tool].[search].[web].[c1]§] with §[file].[drive].[plan.md]§"

func newServer(t *testing.T, maxBytes int) (*httptest.Server, *clock.Manual) {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := clock.NewManual(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	h := New(Options{Store: s, MaxDocumentBytes: maxBytes, Clock: clk})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, clk
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t, 0)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestPutThenGet(t *testing.T) {
	srv, _ := newServer(t, 0)

	payload, _ := json.Marshal(map[string]string{"content": skill})
	resp, body := do(t, http.MethodPut, srv.URL+"/api/files/f1", string(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "f1", body["fileId"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/files/f1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, skill, body["content"])
	assert.Equal(t, "2024-06-01T09:00:00Z", body["updatedAt"])

	refs := body["references"].(map[string]any)
	assert.Len(t, refs["tools"], 2, "duplicate tools are reported once")
	assert.Len(t, refs["files"], 1)
}

func TestList(t *testing.T) {
	srv, clk := newServer(t, 0)
	do(t, http.MethodPut, srv.URL+"/api/files/old", `{"content":"a"}`)
	clk.Advance(time.Minute)
	do(t, http.MethodPut, srv.URL+"/api/files/new", `{"content":"abc"}`)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/files", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := body["files"].([]any)
	require.Len(t, files, 2)
	first := files[0].(map[string]any)
	assert.Equal(t, "new", first["fileId"])
	assert.Equal(t, float64(3), first["size"])
}

func TestPreview(t *testing.T) {
	srv, _ := newServer(t, 0)
	do(t, http.MethodPut, srv.URL+"/api/files/p", `{"content":"# Skill\n\nUse §[file].[drive].[plan.md]§"}`)

	resp, err := http.Get(srv.URL + "/api/files/p/preview")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	var sb bytes.Buffer
	_, err = sb.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "<h1>Skill</h1>")
	assert.Contains(t, sb.String(), `class="skill-chip skill-chip-file"`)
}

func TestErrors(t *testing.T) {
	srv, _ := newServer(t, 16)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"missing document", http.MethodGet, "/api/files/nope", "", 404, "NOT_FOUND"},
		{"missing preview", http.MethodGet, "/api/files/nope/preview", "", 404, "NOT_FOUND"},
		{"bad json", http.MethodPut, "/api/files/x", "{", 400, "INVALID_REQUEST"},
		{"no content", http.MethodPut, "/api/files/x", `{}`, 400, "INVALID_REQUEST"},
		{"invalid utf-8", http.MethodPut, "/api/files/x", "{\"content\":\"a\xffb\"}", 400, "INVALID_REQUEST"},
		{"too large", http.MethodPut, "/api/files/x", `{"content":"` + strings.Repeat("a", 17) + `"}`, 413, "DOCUMENT_TOO_LARGE"},
		{"body too large", http.MethodPut, "/api/files/x", `{"content":"` + strings.Repeat("a", 4096) + `"}`, 413, "DOCUMENT_TOO_LARGE"},
		{"long id", http.MethodGet, "/api/files/" + strings.Repeat("x", 129), "", 400, "INVALID_REQUEST"},
		{"method", http.MethodPost, "/api/files/x", "", 405, "METHOD_NOT_ALLOWED"},
		{"route", http.MethodGet, "/nothing", "", 404, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(body))
		})
	}

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/files/x", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "rejected writes are not stored")
}
