package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// ProbeLevel says how a failing dependency probe affects overall health.
type ProbeLevel int

const (
	// ProbeOptional failures are reported but do not change the status.
	ProbeOptional ProbeLevel = iota
	// ProbeRequired failures make the engine degraded.
	ProbeRequired
	// ProbeCritical failures make the engine unhealthy.
	ProbeCritical
)

// ProbeFunc checks one dependency.
type ProbeFunc func(ctx context.Context) error

type probe struct {
	level     ProbeLevel
	fn        ProbeFunc
	ok        bool
	err       string
	latencyMs float64
	checkedAt time.Time
}

// RedisProbe pings a go-redis client.
func RedisProbe(rdb *goredis.Client) ProbeFunc {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}

// SQLProbe pings a database handle.
func SQLProbe(db *sql.DB) ProbeFunc {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

// HealthStatus tracks engine state flags and dependency probes and serves
// them on /healthz.
type HealthStatus struct {
	mu         sync.RWMutex
	started    time.Time
	session    bool
	feed       bool
	halted     bool
	lastUpdate time.Time
	probes     map[string]*probe
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{started: time.Now(), probes: make(map[string]*probe)}
}

func (h *HealthStatus) SetSessionActive(v bool)       { h.set(func() { h.session = v }) }
func (h *HealthStatus) SetFeedConnected(v bool)       { h.set(func() { h.feed = v }) }
func (h *HealthStatus) SetHalted(v bool)              { h.set(func() { h.halted = v }) }
func (h *HealthStatus) SetLastUpdateTime(t time.Time) { h.set(func() { h.lastUpdate = t }) }

func (h *HealthStatus) set(f func()) {
	h.mu.Lock()
	f()
	h.mu.Unlock()
}

// AddProbe registers a dependency check. It reports down until the first
// CheckAll.
func (h *HealthStatus) AddProbe(name string, level ProbeLevel, fn ProbeFunc) {
	h.mu.Lock()
	h.probes[name] = &probe{level: level, fn: fn, err: "not checked"}
	h.mu.Unlock()
}

// CheckAll runs every probe once. Probes run outside the lock.
func (h *HealthStatus) CheckAll(ctx context.Context) {
	h.mu.RLock()
	names := make([]string, 0, len(h.probes))
	fns := make([]ProbeFunc, 0, len(h.probes))
	for name, p := range h.probes {
		names = append(names, name)
		fns = append(fns, p.fn)
	}
	h.mu.RUnlock()

	for i, fn := range fns {
		start := time.Now()
		err := fn(ctx)
		latency := time.Since(start)

		h.mu.Lock()
		if p, ok := h.probes[names[i]]; ok {
			p.ok = err == nil
			p.err = ""
			if err != nil {
				p.err = err.Error()
			}
			p.latencyMs = float64(latency.Microseconds()) / 1000.0
			p.checkedAt = time.Now()
		}
		h.mu.Unlock()
	}
}

// StartLivenessChecker probes immediately and then every interval until ctx
// is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		h.CheckAll(probeCtx)
		cancel()
	}
	go func() {
		check()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

type probeReport struct {
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
	CheckedAt string  `json:"checked_at,omitempty"`
}

type healthReport struct {
	Status        string                 `json:"status"`
	Uptime        string                 `json:"uptime"`
	SessionActive bool                   `json:"session_active"`
	FeedConnected bool                   `json:"feed_connected"`
	Halted        bool                   `json:"halted"`
	UpdateAge     string                 `json:"update_age,omitempty"`
	Dependencies  map[string]probeReport `json:"dependencies"`
}

// report computes the overall status.
//
// unhealthy: submission is halted or a critical probe is down.
// degraded: no session, no update feed, or a required probe is down.
func (h *HealthStatus) report() healthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := healthReport{
		Status:        "healthy",
		Uptime:        time.Since(h.started).Round(time.Second).String(),
		SessionActive: h.session,
		FeedConnected: h.feed,
		Halted:        h.halted,
		Dependencies:  make(map[string]probeReport, len(h.probes)),
	}
	if !h.lastUpdate.IsZero() {
		r.UpdateAge = time.Since(h.lastUpdate).Round(time.Millisecond).String()
	}

	worst := ProbeOptional
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := h.probes[name]
		pr := probeReport{OK: p.ok, Error: p.err, LatencyMs: p.latencyMs}
		if !p.checkedAt.IsZero() {
			pr.CheckedAt = p.checkedAt.Format(time.RFC3339)
		}
		r.Dependencies[name] = pr
		if !p.ok && p.level > worst {
			worst = p.level
		}
	}

	switch {
	case h.halted || worst == ProbeCritical:
		r.Status = "unhealthy"
	case !h.session || !h.feed || worst == ProbeRequired:
		r.Status = "degraded"
	}
	return r
}

// ServeHTTP handles /healthz. Anything other than healthy answers 503.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.report()
	w.Header().Set("Content-Type", "application/json")
	if report.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.Printf("[metrics] healthz encode: %v", err)
	}
}
