// Package health serves the liveness and readiness probes of the call
// server.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every [Checker] passes, e.g. the
//     database and queue answer a ping and the call registry has headroom.
//
// Both respond with {"status": "ok"|"fail", "checks": {name: result}}.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const checkTimeout = 3 * time.Second

// Checker is one named readiness check.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is a dependency that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a Checker pinging p.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Headroom returns a Checker that fails while active() has reached max().
// A server at capacity rejects new calls, so the load balancer should stop
// routing answer webhooks to it.
func Headroom(name string, active, max func() int) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if a, m := active(), max(); a >= m {
			return fmt.Errorf("at capacity: %d/%d calls", a, m)
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler running checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Drain makes /readyz fail from now on. It is called on shutdown so no new
// calls arrive while the active ones finish.
func (h *Handler) Drain() { h.draining.Store(true) }

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each bounded by its own timeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers)+1)
	var mu sync.Mutex
	ok := true
	fail := func(name, msg string) {
		mu.Lock()
		checks[name] = "fail: " + msg
		ok = false
		mu.Unlock()
	}

	if h.draining.Load() {
		fail("shutdown", "draining")
	}

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			if err := c.Check(ctx); err != nil {
				fail(c.Name, err.Error())
				return nil
			}
			mu.Lock()
			checks[c.Name] = "ok"
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Routes mounts /healthz and /readyz on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
