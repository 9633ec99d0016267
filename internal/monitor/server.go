// Package monitor serves a read-only JSON view of a running control loop.
package monitor

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"pets-cartpole/internal/buffer"
	"pets-cartpole/internal/config"
	"pets-cartpole/internal/control"
)

const defaultLimit = 10

// StatsSource is implemented by *control.Runner.
type StatsSource interface {
	Stats() control.Stats
}

// NewHandler exposes /healthz, /stats, /config and /transitions. cfg and
// replay may be nil, in which case their endpoints answer 404.
func NewHandler(stats StatsSource, cfg *config.Config, replay *buffer.ReplayBuffer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, stats.Stats())
	})
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if cfg == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, cfg)
	})
	mux.HandleFunc("/transitions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if replay == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		limit := 0
		if value := r.URL.Query().Get("limit"); value != "" {
			if parsed, err := strconv.Atoi(value); err == nil {
				limit = parsed
			}
		}
		if limit <= 0 {
			limit = defaultLimit
		}

		transitions := replay.Latest(limit)
		if len(transitions) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, buffer.TransitionsResponse{
			Stored:      replay.Size(),
			Capacity:    replay.Capacity(),
			Transitions: transitions,
		})
	})
	return mux
}

// NewServer wraps NewHandler in an http.Server listening on addr.
func NewServer(addr string, stats StatsSource, cfg *config.Config, replay *buffer.ReplayBuffer) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(stats, cfg, replay),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}
