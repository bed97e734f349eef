package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/chatmerge/internal/monitor"
)

const maxMessageBodySize = 10 << 20 // 10MB, pages can be large

// NewHandler exposes the relay over HTTP. gatherer backs /metrics; nil
// disables the endpoint.
func NewHandler(rl *Relay, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rl.originList(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", handleHealth)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/relay/message", handleMessage(rl))
	r.Post("/relay/external", handleExternal(rl))
	r.Get("/relay/tabs", handleListTabs(rl))
	r.Post("/relay/tabs/{tabID}", handleTabUpdated(rl))
	r.Post("/relay/tabs/{tabID}/dom", handleSnapshot(rl))
	r.Delete("/relay/tabs/{tabID}", handleCloseTab(rl))

	return r
}

func (r *Relay) originList() []string {
	out := make([]string, 0, len(r.origins))
	for o := range r.origins {
		out = append(out, o)
	}
	return out
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeResponse(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, code int, format string, args ...any) {
	writeResponse(w, code, Response{Success: false, Error: fmt.Sprintf(format, args...)})
}

func decodeEnvelope(w http.ResponseWriter, r *http.Request) (Envelope, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBodySize)
	defer r.Body.Close()

	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message: %v", err)
		return env, false
	}
	return env, true
}

func handleMessage(rl *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, valid := decodeEnvelope(w, r)
		if !valid {
			return
		}
		writeResponse(w, http.StatusOK, rl.Dispatch(r.Context(), env))
	}
}

func handleExternal(rl *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, valid := decodeEnvelope(w, r)
		if !valid {
			return
		}
		writeResponse(w, http.StatusOK, rl.DispatchExternal(r.Context(), r.Header.Get("Origin"), env))
	}
}

func tabIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "tabID"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid tab id %q", chi.URLParam(r, "tabID"))
		return 0, false
	}
	return id, true
}

// TabUpdate is the body of POST /relay/tabs/{tabID}.
type TabUpdate struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

func handleTabUpdated(rl *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, valid := tabIDParam(w, r)
		if !valid {
			return
		}
		var u TabUpdate
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&u); err != nil {
			writeError(w, http.StatusBadRequest, "invalid tab update: %v", err)
			return
		}
		created := rl.OnTabUpdated(id, u.URL, u.Title, u.Status)
		writeResponse(w, http.StatusOK, ok(map[string]bool{"sessionCreated": created}))
	}
}

// DOMSnapshot is the body of POST /relay/tabs/{tabID}/dom.
type DOMSnapshot struct {
	HTML      string        `json:"html"`
	Mutations monitor.Batch `json:"mutations"`
	Send      bool          `json:"send"`
}

func handleSnapshot(rl *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, valid := tabIDParam(w, r)
		if !valid {
			return
		}
		var snap DOMSnapshot
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBodySize)).Decode(&snap); err != nil {
			writeError(w, http.StatusBadRequest, "invalid snapshot: %v", err)
			return
		}
		if err := rl.Snapshot(id, strings.NewReader(snap.HTML), snap.Mutations, snap.Send); err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, ErrUnknownTab) {
				code = http.StatusNotFound
			}
			writeError(w, code, "%v", err)
			return
		}
		writeResponse(w, http.StatusOK, ok(nil))
	}
}

func handleCloseTab(rl *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, valid := tabIDParam(w, r)
		if !valid {
			return
		}
		if !rl.CloseTab(id) {
			writeError(w, http.StatusNotFound, "unknown tab %d", id)
			return
		}
		writeResponse(w, http.StatusOK, ok(nil))
	}
}

func handleListTabs(rl *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, http.StatusOK, ok(rl.Tabs()))
	}
}
