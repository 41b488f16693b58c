// Package api serves skill documents, their previews and the collaboration
// websocket over HTTP.
package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gorilla/mux"

	"skillsync/internal/clock"
	"skillsync/internal/errors"
	"skillsync/internal/logging"
	"skillsync/internal/preview"
	"skillsync/internal/store"
	"skillsync/internal/token"
)

const maxFileIDLen = 128

// Options configures the handlers. WS may be nil to disable the websocket
// routes.
type Options struct {
	Store            store.Store
	WS               http.HandlerFunc
	MaxDocumentBytes int
	Clock            clock.Clock
	Logger           *slog.Logger
}

// Handlers contains the HTTP route handlers.
type Handlers struct {
	store    store.Store
	ws       http.HandlerFunc
	maxBytes int
	clock    clock.Clock
	log      *slog.Logger
}

func New(opts Options) *Handlers {
	h := &Handlers{
		store:    opts.Store,
		ws:       opts.WS,
		maxBytes: opts.MaxDocumentBytes,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
	if h.maxBytes <= 0 {
		h.maxBytes = 1 << 20
	}
	if h.clock == nil {
		h.clock = clock.Real{}
	}
	if h.log == nil {
		h.log = logging.Nop()
	}
	return h
}

// Router returns the route table.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/files", h.HandleList).Methods(http.MethodGet)
	r.HandleFunc("/api/files/{fileId}", h.HandleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/files/{fileId}", h.HandlePut).Methods(http.MethodPut)
	r.HandleFunc("/api/files/{fileId}/preview", h.HandlePreview).Methods(http.MethodGet)
	if h.ws != nil {
		r.HandleFunc("/ws", h.ws)
		r.HandleFunc("/ws/{fileId}", h.ws)
	}
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h.renderError(w, errors.NewMethodNotAllowed(req.Method))
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h.renderError(w, &errors.APIError{Code: errors.ErrNotFound, Status: http.StatusNotFound, Message: "no such route"})
	})
	return r
}

// DocumentResponse is the JSON form of a document.
type DocumentResponse struct {
	FileID     string     `json:"fileId"`
	Content    string     `json:"content"`
	References token.Refs `json:"references"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// FileSummary is one entry of the file list.
type FileSummary struct {
	FileID    string    `json:"fileId"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type putRequest struct {
	Content *string `json:"content"`
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleList handles GET /api/files.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	docs, err := h.store.List(r.Context())
	if err != nil {
		h.renderError(w, err)
		return
	}
	files := make([]FileSummary, len(docs))
	for i, d := range docs {
		files[i] = FileSummary{FileID: d.FileID, Size: len(d.Content), UpdatedAt: d.UpdatedAt}
	}
	renderJSON(w, http.StatusOK, map[string]any{"files": files})
}

// HandleGet handles GET /api/files/{fileId}.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := h.load(r)
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, toResponse(doc))
}

// HandlePut handles PUT /api/files/{fileId}. Content is stored verbatim.
func (h *Handlers) HandlePut(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDFrom(r)
	if err != nil {
		h.renderError(w, err)
		return
	}

	// Leave room for the JSON envelope and escapes around the content.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(h.maxBytes)*2+1024))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			h.renderError(w, errors.NewDocumentTooLarge(h.maxBytes, int(max(r.ContentLength, tooLarge.Limit))))
			return
		}
		h.renderError(w, errors.NewInvalidRequest("failed to read request body"))
		return
	}
	// json.Unmarshal would quietly turn invalid bytes into U+FFFD.
	if !utf8.Valid(body) {
		h.renderError(w, errors.NewInvalidRequest("content must be valid UTF-8"))
		return
	}
	var req putRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.renderError(w, errors.NewInvalidRequest("invalid JSON body"))
		return
	}
	if req.Content == nil {
		h.renderError(w, errors.NewInvalidRequest("content is required"))
		return
	}
	content := *req.Content
	if len(content) > h.maxBytes {
		h.renderError(w, errors.NewDocumentTooLarge(h.maxBytes, len(content)))
		return
	}

	doc, err := h.store.Put(r.Context(), fileID, content, h.clock.Now())
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.log.Info("document saved", "file_id", fileID, "bytes", len(content))
	renderJSON(w, http.StatusOK, toResponse(doc))
}

// HandlePreview handles GET /api/files/{fileId}/preview.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	doc, err := h.load(r)
	if err != nil {
		h.renderError(w, err)
		return
	}
	out, err := preview.Render(doc.Content)
	if err != nil {
		h.renderError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, out)
}

func (h *Handlers) load(r *http.Request) (store.Document, error) {
	fileID, err := fileIDFrom(r)
	if err != nil {
		return store.Document{}, err
	}
	doc, err := h.store.Get(r.Context(), fileID)
	if stderrors.Is(err, store.ErrNotFound) {
		return store.Document{}, errors.NewNotFound(fileID)
	}
	return doc, err
}

func fileIDFrom(r *http.Request) (string, error) {
	id := mux.Vars(r)["fileId"]
	if id == "" || len(id) > maxFileIDLen {
		return "", errors.NewInvalidRequest("file id must be 1-128 bytes")
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return "", errors.NewInvalidRequest("file id contains control characters")
	}
	return id, nil
}

func toResponse(d store.Document) DocumentResponse {
	return DocumentResponse{
		FileID:     d.FileID,
		Content:    d.Content,
		References: token.References(d.Content),
		UpdatedAt:  d.UpdatedAt,
	}
}

func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handlers) renderError(w http.ResponseWriter, err error) {
	apiErr := errors.As(err)
	if apiErr.Status >= 500 {
		h.log.Error("request failed", "error", err)
	}
	body := map[string]any{
		"code":    string(apiErr.Code),
		"message": apiErr.Message,
	}
	if len(apiErr.Details) > 0 {
		body["details"] = apiErr.Details
	}
	renderJSON(w, apiErr.Status, map[string]any{"error": body})
}
