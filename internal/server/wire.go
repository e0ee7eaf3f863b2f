package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/virelabs/toolhost/internal/plugin"
)

// addPluginRequest registers one plugin.
type addPluginRequest struct {
	Name  string            `json:"name"`
	Image string            `json:"image"`
	Env   map[string]string `json:"env,omitempty"`
}

// callToolRequest invokes one tool by catalog name.
type callToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// pluginJSON renders a registry snapshot for the API.
func pluginJSON(snap plugin.Snapshot) map[string]any {
	out := map[string]any{
		"name":      snap.Name,
		"image":     snap.Image,
		"status":    string(snap.Status),
		"toolCount": len(snap.Tools),
		"tools":     snap.Tools,
	}

	if snap.LastError != "" {
		out["lastError"] = snap.LastError
	}

	return out
}

// decodeJSON parses a request body.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
