package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatmerge/internal/storage"
)

func handleListSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := deps.Store.Settings()
		if err != nil {
			writeStoreError(w, err, "settings")
			return
		}
		writeData(w, http.StatusOK, settings)
	}
}

func handleGetSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		v, err := deps.Store.GetSetting(key)
		if err != nil {
			writeStoreError(w, err, fmt.Sprintf("setting %q", key))
			return
		}
		writeData(w, http.StatusOK, v)
	}
}

// handlePutSetting stores the raw JSON request body under key.
func handlePutSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading request body: %v", err)
			return
		}
		key := chi.URLParam(r, "key")
		if err := deps.Store.SetSetting(key, json.RawMessage(body)); err != nil {
			writeStoreError(w, err, fmt.Sprintf("setting %q", key))
			return
		}
		writeData(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.Stats()
		if err != nil {
			writeStoreError(w, err, "stats")
			return
		}
		writeData(w, http.StatusOK, stats)
	}
}

// handleExport returns the snapshot itself, not wrapped, so the download can
// be fed straight back into /api/import.
func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := deps.Store.Export()
		if err != nil {
			writeStoreError(w, err, "export")
			return
		}
		name := fmt.Sprintf("chatmerge-export-%s.json", data.ExportDate.UTC().Format("2006-01-02"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		json.NewEncoder(w).Encode(data)
	}
}

func handleImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		strategy, err := storage.ParseMergeStrategy(r.URL.Query().Get("strategy"))
		if err != nil {
			writeStoreError(w, err, "import")
			return
		}
		var data storage.ExportData
		if !decodeBody(w, r, maxImportBodySize, &data) {
			return
		}
		start := time.Now()
		res, err := deps.Store.Import(data, storage.ImportOptions{MergeStrategy: strategy})
		if err != nil {
			writeStoreError(w, err, "import")
			return
		}
		deps.logger().Info("import finished",
			"strategy", strategy,
			"conversations", res.ImportedConversations,
			"folders", res.ImportedFolders,
			"skipped", res.Skipped,
			"errors", len(res.Errors),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		if res.ImportedConversations > 0 {
			deps.Events.Broadcast(EventConversationUpdated, map[string]int{"imported": res.ImportedConversations})
		}
		writeData(w, http.StatusOK, res)
	}
}
