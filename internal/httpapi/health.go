package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pinger is satisfied by store.Store and cache.Client, the readiness
// dependencies checked by a round trip; the bus is checked via
// IsClosed instead.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker aggregates the dependencies readiness depends on.
type HealthChecker struct {
	Store Pinger
	Cache Pinger
	Bus   interface{ IsClosed() bool }
}

func (h *HealthChecker) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz fans the store and cache pings out concurrently via
// errgroup — the same bounded-concurrency fan-out idiom the teacher
// uses for its own multi-part transfers — since the two checks are
// independent and neither should wait on the other's round trip.
func (h *HealthChecker) readyz(w http.ResponseWriter, r *http.Request) {
	var mu sync.Mutex
	checks := map[string]string{}

	g, gctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		err := h.Store.Ping(gctx)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			checks["store"] = err.Error()
		} else {
			checks["store"] = "ok"
		}
		return nil
	})
	g.Go(func() error {
		err := h.Cache.Ping(gctx)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			checks["cache"] = err.Error()
		} else {
			checks["cache"] = "ok"
		}
		return nil
	})
	_ = g.Wait()

	if h.Bus.IsClosed() {
		checks["bus"] = "closed"
	} else {
		checks["bus"] = "ok"
	}

	ready := checks["store"] == "ok" && checks["cache"] == "ok" && checks["bus"] == "ok"
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResponse{Ready: ready, Checks: checks})
}
