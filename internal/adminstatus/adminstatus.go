// Package adminstatus exposes a small HTTP endpoint, served on the
// configured adminListenAddr (none when it is empty), reporting
// per-worker state as JSON, wrapped in gorilla/handlers request
// logging, grounded on fileserverclient.go's use of the same middleware
// around its own HTTP server. This is ambient operational infrastructure,
// not a spec feature (spec.md section 1 places "CLI, options parsing,
// logging configuration" out of scope for the core), carried regardless
// per the instruction to keep ambient concerns even where a Non-goal
// excludes the corresponding feature surface.
package adminstatus

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/handlers"
)

// WorkerStatus is the JSON shape reported for one worker.
type WorkerStatus struct {
	Port             int    `json:"port"`
	State            string `json:"state"`
	CheckpointIndex  int64  `json:"checkpointIndex"`
	BytesTransferred int64  `json:"bytesTransferred"`
}

// Registry is the shared table workers publish their status into and the
// HTTP handler reads from.
type Registry struct {
	mu       sync.RWMutex
	statuses map[int]WorkerStatus
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{statuses: make(map[int]WorkerStatus)}
}

// Update records the latest status for a given port.
func (r *Registry) Update(s WorkerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[s.Port] = s
}

// Snapshot returns every recorded worker status.
func (r *Registry) Snapshot() []WorkerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s)
	}
	return out
}

// Handler builds the /status HTTP handler, wrapped in gorilla/handlers'
// combined (Apache-style) request logging.
func Handler(reg *Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reg.Snapshot())
	})
	return handlers.CombinedLoggingHandler(log.Writer(), mux)
}
