package router

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SchedulerStats is the slice of scheduler state the status endpoint
// exposes.
type SchedulerStats interface {
	LoadByThread() []int64
	NRebalances() int64
	NLoadCheckCycles() int64
	TableCounts() (active, idle int)
}

type statusResponse struct {
	LoadByThread []int64 `json:"load_by_thread"`
	Rebalances   int64   `json:"rebalances"`
	LoadChecks   int64   `json:"load_checks"`
	ActiveTables int     `json:"active_tables"`
	IdleTables   int     `json:"idle_tables"`
}

// Register wires /metrics and /status onto the shared route registry.
func Register(stats SchedulerStats, registry *prometheus.Registry) {
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	RegisterRoute(&Route{
		Path:    "/metrics",
		Methods: []string{"GET"},
		Handler: func(w http.ResponseWriter, r *http.Request) error {
			metricsHandler.ServeHTTP(w, r)
			return nil
		},
	})
	RegisterRoute(&Route{
		Path:    "/status",
		Methods: []string{"GET"},
		Handler: func(w http.ResponseWriter, r *http.Request) error {
			active, idle := stats.TableCounts()
			res := statusResponse{
				LoadByThread: stats.LoadByThread(),
				Rebalances:   stats.NRebalances(),
				LoadChecks:   stats.NLoadCheckCycles(),
				ActiveTables: active,
				IdleTables:   idle,
			}
			w.Header().Set("Content-Type", "application/json")
			return jsoniter.NewEncoder(w).Encode(res)
		},
	})
}
