package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-scheduling/internal/audit"
)

const (
	probeTimeout     = time.Second
	outboxProbeBatch = 50
)

// Probe is one dependency checked by /health/ready. A nil Check means the
// server runs without it. A failing Required probe makes the server unready;
// any other failure only degrades it.
type Probe struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

// PostgresProbe is required: appointments and the audit log live there.
func PostgresProbe(pool *pgxpool.Pool) Probe {
	p := Probe{Name: "postgres", Required: true}
	if pool != nil {
		p.Check = pool.Ping
	}
	return p
}

// RedisProbe is optional: without Redis the server falls back to local locks
// and uncached stats.
func RedisProbe(client *redis.Client) Probe {
	p := Probe{Name: "redis"}
	if client != nil {
		p.Check = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return p
}

// OutboxProbe reports a backlog when the oldest queued audit entry has waited
// longer than maxAge, which means the relay is not keeping up or not running.
func OutboxProbe(outbox audit.Outbox, maxAge time.Duration) Probe {
	p := Probe{Name: "audit_outbox"}
	if outbox == nil {
		return p
	}
	p.Check = func(ctx context.Context) error {
		now := time.Now()
		// a far horizon includes entries parked until a later retry
		queued, err := outbox.Pending(ctx, now.AddDate(100, 0, 0), outboxProbeBatch)
		if err != nil {
			return err
		}
		for _, q := range queued {
			if waited := now.Sub(q.Entry.RecordedAt); waited > maxAge {
				return fmt.Errorf("queued entry %s waited %s", q.Entry.ID, waited.Round(time.Second))
			}
		}
		return nil
	}
	return p
}

type HealthHandler struct {
	probes  []Probe
	env     string
	version string
}

func NewHealthHandler(probes []Probe, env, version string) *HealthHandler {
	return &HealthHandler{probes: probes, env: env, version: version}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "ok", Version: h.version, Env: h.env})
}

// Readiness answers 503 only when a required dependency is down.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{
		Status:       "ok",
		Version:      h.version,
		Env:          h.env,
		Dependencies: make(map[string]string, len(h.probes)),
	}

	for _, p := range h.probes {
		state := probe(r.Context(), p)
		resp.Dependencies[p.Name] = state
		if state != "down" {
			continue
		}
		if p.Required {
			resp.Status = "error"
		} else if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	code := http.StatusOK
	if resp.Status == "error" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func probe(ctx context.Context, p Probe) string {
	if p.Check == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.Check(ctx); err != nil {
		return "down"
	}
	return "ok"
}
