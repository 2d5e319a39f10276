package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(stats PlatformStats, events EventCounter, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		if stats != nil {
			s := stats.Stats()
			fmt.Fprintf(w, "# HELP forgeline_actors_live Number of live agent actors.\n")
			fmt.Fprintf(w, "# TYPE forgeline_actors_live gauge\n")
			fmt.Fprintf(w, "forgeline_actors_live %d\n", s.LiveActors)

			fmt.Fprintf(w, "# HELP forgeline_websocket_connections Open agent WebSocket connections.\n")
			fmt.Fprintf(w, "# TYPE forgeline_websocket_connections gauge\n")
			fmt.Fprintf(w, "forgeline_websocket_connections %d\n", s.Connections)

			fmt.Fprintf(w, "# HELP forgeline_generations_in_flight Agents currently generating.\n")
			fmt.Fprintf(w, "# TYPE forgeline_generations_in_flight gauge\n")
			fmt.Fprintf(w, "forgeline_generations_in_flight %d\n", s.Generating)
		}

		if events != nil {
			fmt.Fprintf(w, "# HELP forgeline_events_total Lifecycle events published, by type.\n")
			fmt.Fprintf(w, "# TYPE forgeline_events_total counter\n")
			for _, c := range events.Counts() {
				fmt.Fprintf(w, "forgeline_events_total{type=%q} %d\n", string(c.Type), c.Count)
			}
		}

		fmt.Fprintf(w, "# HELP forgeline_uptime_seconds Seconds since the server started.\n")
		fmt.Fprintf(w, "# TYPE forgeline_uptime_seconds gauge\n")
		fmt.Fprintf(w, "forgeline_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)
	}
}
