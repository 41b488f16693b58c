package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"skillsync/internal/api"
	"skillsync/internal/cache"
	"skillsync/internal/discovery"
	"skillsync/internal/errors"
)

const (
	defaultServer = "http://localhost:8081"
	lookupTimeout = 3 * time.Second
	fetchTimeout  = 10 * time.Second
)

// lookup is swapped out in tests.
var lookup = discovery.Lookup

// resolveServer picks the server base URL: the configured one, else the
// first server announced on the local network, else localhost.
func resolveServer(ctx context.Context, configured string) (string, error) {
	if configured != "" {
		u, err := url.Parse(configured)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", errors.NewInvalidRequest(fmt.Sprintf("invalid server URL %q", configured))
		}
		return strings.TrimRight(configured, "/"), nil
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	services, err := lookup(ctx)
	if err == nil && len(services) > 0 {
		return services[0].BaseURL(), nil
	}
	return defaultServer, nil
}

// websocketURL maps http(s)://host to ws(s)://host/ws.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// fetchDocument loads a document from the server's REST API.
func fetchDocument(ctx context.Context, client *http.Client, base, fileID string) (api.DocumentResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/files/"+url.PathEscape(fileID), nil)
	if err != nil {
		return api.DocumentResponse{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return api.DocumentResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error struct {
				Code    errors.ErrorCode `json:"code"`
				Message string           `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error.Code == "" {
			return api.DocumentResponse{}, fmt.Errorf("server returned %s", resp.Status)
		}
		return api.DocumentResponse{}, &errors.APIError{
			Code:    body.Error.Code,
			Status:  resp.StatusCode,
			Message: body.Error.Message,
		}
	}
	var doc api.DocumentResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return api.DocumentResponse{}, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// openDocument fetches fileID and refreshes the local cache. When the
// server cannot be reached the cached copy is used and offline is true.
// A document the server reports as missing is never served from cache.
func openDocument(ctx context.Context, base, fileID string, dc *cache.Cache, log *slog.Logger) (content string, offline bool, err error) {
	doc, err := fetchDocument(ctx, http.DefaultClient, base, fileID)
	if err == nil {
		entry := cache.Entry{FileID: doc.FileID, Content: doc.Content, UpdatedAt: doc.UpdatedAt, FetchedAt: time.Now()}
		if err := dc.Put(entry); err != nil {
			log.Warn("failed to update cache", "file_id", fileID, "error", err)
		}
		return doc.Content, false, nil
	}
	if errors.Is(err, errors.ErrNotFound) {
		if derr := dc.Delete(fileID); derr != nil {
			log.Warn("failed to drop cached document", "file_id", fileID, "error", derr)
		}
		return "", false, err
	}

	log.Warn("fetch failed, trying cache", "file_id", fileID, "error", err)
	entry, cerr := dc.Get(fileID)
	if cerr != nil {
		if stderrors.Is(cerr, cache.ErrMiss) {
			return "", false, fmt.Errorf("failed to fetch %s and no cached copy: %w", fileID, err)
		}
		return "", false, cerr
	}
	return entry.Content, true, nil
}
