package merger

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/open-data-works/goldsink/pkg/redis"
	"github.com/open-data-works/goldsink/pkg/utils"
)

// SetupServer sets up the HTTP status server.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> for all
	addr := utils.Env("ADDR", ":3004")

	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).Methods("GET")

	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := a.Progress.Health(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})).Methods("GET")

	r.Handle("/status", http.HandlerFunc(a.handleStatus)).Methods("GET")
	r.Handle("/gaps", http.HandlerFunc(a.handleGaps)).Methods("GET")
	r.Handle("/events", http.HandlerFunc(a.handleEvents)).Methods("GET")

	a.Server = &http.Server{Addr: addr, Handler: r}
}

// handleStatus reports queue depths and merge progress per worker.
func (a *App) handleStatus(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	mergeProgress, err := a.Progress.AllWorkersProgress(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	temporalHealth, _ := a.TemporalClient.Health(ctx)

	writeJSON(w, map[string]interface{}{
		"queues":   a.Registry.Status(),
		"progress": mergeProgress,
		"temporal": temporalHealth,
	})
}

// handleGaps lists recorded reconciliation gaps, optionally filtered by the
// worker query parameter.
func (a *App) handleGaps(w http.ResponseWriter, req *http.Request) {
	gaps, err := a.Progress.ReconciliationGaps(req.Context(), req.URL.Query().Get("worker"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"gaps": gaps})
}

// handleEvents returns the most recent merge events from the Redis stream.
// 404 when event publishing is disabled.
func (a *App) handleEvents(w http.ResponseWriter, req *http.Request) {
	events := a.ActivityContext.Events
	if events == nil {
		http.Error(w, "merge events disabled", http.StatusNotFound)
		return
	}

	msgs, err := events.XRange(req.Context(), redis.MergeStream, "-", "+", 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"events": msgs})
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
