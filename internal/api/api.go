// Package api serves the web application's HTTP API and MCP tools over the
// conversation store.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/chatmerge/internal/connection"
	"github.com/kalambet/chatmerge/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB
const maxImportBodySize = 100 << 20 // 100MB

// StatusSource reports the relay link state.
type StatusSource interface {
	Status() connection.Status
}

type AppDeps struct {
	Store      *storage.Store
	Connection StatusSource // optional; status reports disconnected when nil
	Events     *Hub         // optional; live feed is disabled when nil
	Logger     *slog.Logger
}

func (d AppDeps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// response is the envelope every endpoint replies with.
type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/conversations", handleListConversations(deps))
		r.Post("/conversations", handleCreateConversation(deps))
		r.Post("/conversations/bulk", handleBulk(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Patch("/conversations/{id}", handlePatchConversation(deps))
		r.Delete("/conversations/{id}", handleDeleteConversation(deps))
		r.Get("/search", handleSearch(deps))

		r.Get("/folders", handleListFolders(deps))
		r.Post("/folders", handleCreateFolder(deps))
		r.Get("/folders/tree", handleFolderTree(deps))
		r.Get("/folders/{id}", handleGetFolder(deps))
		r.Patch("/folders/{id}", handlePatchFolder(deps))
		r.Delete("/folders/{id}", handleDeleteFolder(deps))

		r.Get("/settings", handleListSettings(deps))
		r.Get("/settings/{key}", handleGetSetting(deps))
		r.Put("/settings/{key}", handlePutSetting(deps))

		r.Get("/stats", handleStats(deps))
		r.Get("/export", handleExport(deps))
		r.Post("/import", handleImport(deps))

		r.Post("/sync", handleSync(deps))
		r.Get("/extension/status", handleExtensionStatus(deps))
		r.Get("/events", deps.Events.ServeHTTP)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeData(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response{Error: fmt.Sprintf(format, args...)})
}

// writeStoreError maps store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error, what string) {
	var verr *storage.ValidationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "%s not found", what)
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "%s", verr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "%s: %v", what, err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseBoolParam(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

// parseListParam splits a comma-separated query value, dropping blanks.
func parseListParam(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
