// ABOUTME: HTTP API handlers for listing tools, managing API keys, and invoking tools.
// ABOUTME: All /tools routes run behind JWT auth and act for the token's user.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/toolgate/internal/apikeys"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/delegate"
	"github.com/2389/toolgate/internal/dispatch"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/tools"
)

// maxTestContentLength bounds the content returned by POST /tools/test, in characters.
const maxTestContentLength = 2000

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// ToolListResponse is the JSON response for GET /tools.
type ToolListResponse struct {
	Tools []tools.ToolInfo `json:"tools"`
}

// DelegateInfoResponse describes a connected delegate.
type DelegateInfoResponse struct {
	ID           string                `json:"id"`
	UserID       string                `json:"userId"`
	Tools        []string              `json:"tools"`
	ConnectedAt  time.Time             `json:"connectedAt"`
	Capabilities delegate.Capabilities `json:"capabilities"`
}

// DelegateListResponse is the JSON response for GET /tools/delegates.
type DelegateListResponse struct {
	Delegates []DelegateInfoResponse `json:"delegates"`
}

// APIKeyListResponse is the JSON response for GET /tools/api-keys.
type APIKeyListResponse struct {
	Keys []apikeys.Key `json:"keys"`
}

// CreateAPIKeyRequest is the JSON request body for POST /tools/api-keys.
// ExpiresAt is an RFC 3339 timestamp or a YYYY-MM-DD date (midnight UTC).
type CreateAPIKeyRequest struct {
	Name      string  `json:"name"`
	ExpiresAt *string `json:"expiresAt"`
}

const msgBadExpiry = "expiresAt must be an RFC 3339 timestamp or a YYYY-MM-DD date"

// parseExpiry parses the optional expiresAt field. nil or "" means no expiry.
func parseExpiry(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, *raw); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New(msgBadExpiry)
}

// TestToolRequest is the JSON request body for POST /tools/test.
type TestToolRequest struct {
	ToolName string         `json:"toolName"`
	Input    map[string]any `json:"input,omitempty"`
}

// TestToolResponse is the JSON response for POST /tools/test.
type TestToolResponse struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// CallToolRequest is the JSON request body for POST /tools/call.
type CallToolRequest struct {
	ToolName string         `json:"toolName"`
	Input    map[string]any `json:"input,omitempty"`
	CallID   string         `json:"callId,omitempty"`
}

// ToolCallInfo is one audit entry in GET /tools/calls.
type ToolCallInfo struct {
	ID         string    `json:"id"`
	CallID     string    `json:"callId,omitempty"`
	ToolName   string    `json:"toolName"`
	Source     string    `json:"source"`
	DelegateID string    `json:"delegateId,omitempty"`
	IsError    bool      `json:"isError"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ToolCallListResponse is the JSON response for GET /tools/calls.
type ToolCallListResponse struct {
	Calls []ToolCallInfo `json:"calls"`
}

// registerToolRoutes mounts the authenticated tool API on mux.
func (g *Gateway) registerToolRoutes(mux *http.ServeMux, requireAuth func(http.Handler) http.Handler) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, requireAuth(fn))
	}

	handle("GET /tools", g.handleListTools)
	handle("GET /tools/delegates", g.handleListDelegates)
	handle("GET /tools/api-keys", g.handleListAPIKeys)
	handle("POST /tools/api-keys", g.handleCreateAPIKey)
	handle("DELETE /tools/api-keys/{keyId}", g.handleRevokeAPIKey)
	handle("POST /tools/test", g.handleTestTool)
	handle("POST /tools/call", g.handleCallTool)
	handle("GET /tools/calls", g.handleListToolCalls)
}

// handleListTools returns the local tools plus those the user's delegates declare.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	g.writeJSON(w, http.StatusOK, ToolListResponse{
		Tools: g.tools.ListForUser(userID, g.delegates),
	})
}

func (g *Gateway) handleListDelegates(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	connected := g.delegates.ListForUser(userID)

	resp := DelegateListResponse{Delegates: make([]DelegateInfoResponse, 0, len(connected))}
	for _, d := range connected {
		resp.Delegates = append(resp.Delegates, DelegateInfoResponse{
			ID:           d.ID,
			UserID:       d.UserID,
			Tools:        d.Tools,
			ConnectedAt:  d.ConnectedAt,
			Capabilities: d.Capabilities,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	keys, err := g.apiKeys.List(r.Context(), userID)
	if err != nil {
		g.logger.Error("listing api keys", "error", err, "user_id", userID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if keys == nil {
		keys = []apikeys.Key{}
	}
	g.writeJSON(w, http.StatusOK, APIKeyListResponse{Keys: keys})
}

func (g *Gateway) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req CreateAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	expiresAt, err := parseExpiry(req.ExpiresAt)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := g.apiKeys.Create(r.Context(), userID, req.Name, expiresAt)
	switch {
	case errors.Is(err, apikeys.ErrInvalidName), errors.Is(err, apikeys.ErrInvalidExpiry):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		g.logger.Error("creating api key", "error", err, "user_id", userID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusCreated, created)
}

func (g *Gateway) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	keyID := r.PathValue("keyId")

	err := g.apiKeys.Revoke(r.Context(), userID, keyID)
	switch {
	case errors.Is(err, apikeys.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "api key not found")
		return
	case err != nil:
		g.logger.Error("revoking api key", "error", err, "user_id", userID, "key_id", keyID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleTestTool runs a tool once for the caller. Execution failures are
// reported in the body; the status is 200 whenever the request was valid.
func (g *Gateway) handleTestTool(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req TestToolRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ToolName == "" {
		g.sendJSONError(w, http.StatusBadRequest, "toolName is required")
		return
	}

	res := g.engine.ExecuteTool(r.Context(), dispatch.Call{
		ToolName: req.ToolName,
		Input:    req.Input,
	}, userID, g.testPolicy)

	g.writeJSON(w, http.StatusOK, TestToolResponse{
		Success: !res.IsError,
		Content: truncateRunes(res.Content, maxTestContentLength),
		IsError: res.IsError,
	})
}

// handleCallTool runs a tool under the configured policy and returns the full result.
func (g *Gateway) handleCallTool(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req CallToolRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ToolName == "" {
		g.sendJSONError(w, http.StatusBadRequest, "toolName is required")
		return
	}

	res := g.engine.ExecuteTool(r.Context(), dispatch.Call{
		ID:       req.CallID,
		ToolName: req.ToolName,
		Input:    req.Input,
	}, userID, g.policy)

	g.writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleListToolCalls(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	records, err := g.store.ListToolCalls(r.Context(), userID, store.DefaultToolCallLimit)
	if err != nil {
		g.logger.Error("listing tool calls", "error", err, "user_id", userID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ToolCallListResponse{Calls: make([]ToolCallInfo, 0, len(records))}
	for _, rec := range records {
		resp.Calls = append(resp.Calls, ToolCallInfo{
			ID:         rec.ID,
			CallID:     rec.CallID,
			ToolName:   rec.ToolName,
			Source:     rec.Source,
			DelegateID: rec.DelegateID,
			IsError:    rec.IsError,
			ErrorKind:  rec.ErrorKind,
			DurationMs: rec.Duration.Milliseconds(),
			CreatedAt:  rec.CreatedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody)).Decode(v)
}

// truncateRunes cuts s to at most n characters.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
