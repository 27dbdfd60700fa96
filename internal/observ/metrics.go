package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	k := canonLabels(labels)
	m[k] += int64(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	k := canonLabels(labels)
	m[k] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// RecordDuration records a duration observation in milliseconds.
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Basic JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// EngineHealth summarizes the state of the orchestration core for the
// surrounding service: loop latencies, reconciliation quality, and whether a
// live session is paused awaiting operator intervention.
type EngineHealth struct {
	Status              string  `json:"status"` // "healthy", "degraded", "paused"
	Timestamp           string  `json:"timestamp"`
	Uptime              string  `json:"uptime"`
	FullLoopP95Ms       int64   `json:"full_loop_p95_ms"`
	TightLoopP95Ms      int64   `json:"tight_loop_p95_ms"`
	OrdersExecuted      int64   `json:"orders_executed"`
	OrdersFailed        int64   `json:"orders_failed"`
	ReconcileMismatches int64   `json:"reconcile_mismatches"`
	MismatchRate        float64 `json:"mismatch_rate"`
	ResidualWarnings    int64   `json:"residual_warnings"`
	SessionPaused       bool    `json:"session_paused"`
}

var startTime = time.Now()

func sumCounter(name string) int64 {
	var total int64
	if m, ok := reg.counters[name]; ok {
		for _, c := range m {
			total += c
		}
	}
	return total
}

func histP95(name string) int64 {
	m, ok := reg.hist[name]
	if !ok {
		return 0
	}
	for _, samples := range m {
		if len(samples) == 0 {
			continue
		}
		sorted := make([]float64, len(samples))
		copy(sorted, samples)
		sort.Float64s(sorted)
		idx := int(float64(len(sorted)) * 0.95)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return int64(sorted[idx])
	}
	return 0
}

// HealthHandler exposes the engine health summary.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		h := EngineHealth{
			Timestamp:           time.Now().UTC().Format(time.RFC3339),
			Uptime:              time.Since(startTime).String(),
			FullLoopP95Ms:       histP95("full_loop_latency_ms"),
			TightLoopP95Ms:      histP95("tight_loop_latency_ms"),
			OrdersExecuted:      sumCounter("orders_executed_total"),
			OrdersFailed:        sumCounter("orders_failed_total"),
			ReconcileMismatches: sumCounter("reconcile_mismatches_total"),
			ResidualWarnings:    sumCounter("pnl_residual_warnings_total"),
		}
		if total := h.OrdersExecuted + h.OrdersFailed; total > 0 {
			h.MismatchRate = float64(h.ReconcileMismatches) / float64(total)
		}
		if g, ok := reg.gauges["live_session_paused"]; ok {
			for _, v := range g {
				h.SessionPaused = v == 1
			}
		}

		h.Status = "healthy"
		statusCode := http.StatusOK
		switch {
		case h.SessionPaused:
			h.Status = "paused"
			statusCode = http.StatusServiceUnavailable
		case h.MismatchRate > 0.05 || h.ResidualWarnings > 0:
			h.Status = "degraded"
			statusCode = http.StatusPartialContent
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(h)
	})
}

// Simple liveness handler
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
