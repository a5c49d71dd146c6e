package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/provider"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// ErrRateLimited is returned when a consuming check rejects the request.
var ErrRateLimited = errors.New("ratelimit: ceiling reached")

// Guard enforces every per-provider ceiling: tpm, rpm, rpd, rolling USD
// budgets, and concurrency caps. The selector asks Eligible (non-consuming)
// to filter candidates; the forwarder calls Admit (consuming) once a
// provider has been picked.
type Guard struct {
	tracker *usage.Tracker
	window  *SlidingWindow // nil without Redis; rpm/rpd fall back to tracker
	log     *slog.Logger
}

// NewGuard builds a Guard. window may be nil for single-instance
// deployments; request counters then come from the in-process tracker.
func NewGuard(tracker *usage.Tracker, window *SlidingWindow, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{tracker: tracker, window: window, log: log}
}

// Eligible reports whether the provider is below every configured ceiling.
// It never consumes a slot; the selector uses it to filter candidates.
func (g *Guard) Eligible(p *provider.Provider) bool {
	if over, what := g.overLimit(p); over {
		g.log.Debug("provider_over_limit",
			slog.Int64("provider_id", p.ID),
			slog.String("provider", p.Name),
			slog.String("limit", what),
		)
		return false
	}
	return true
}

func (g *Guard) overLimit(p *provider.Provider) (bool, string) {
	minute := g.tracker.Totals(p.ID, usage.WindowMinute)
	day := g.tracker.Totals(p.ID, usage.WindowDay)

	if p.TPM > 0 && minute.Tokens >= int64(p.TPM) {
		return true, "tpm"
	}
	if p.RPM > 0 && minute.Requests >= int64(p.RPM) {
		return true, "rpm"
	}
	if p.RPD > 0 && day.Requests >= int64(p.RPD) {
		return true, "rpd"
	}

	if p.Limit5hUSD > 0 && g.tracker.Totals(p.ID, usage.Window5h).USD >= p.Limit5hUSD {
		return true, "budget_5h"
	}
	if p.LimitWeeklyUSD > 0 && g.tracker.Totals(p.ID, usage.WindowWeek).USD >= p.LimitWeeklyUSD {
		return true, "budget_weekly"
	}
	if p.LimitMonthlyUSD > 0 && g.tracker.Totals(p.ID, usage.WindowMonth).USD >= p.LimitMonthlyUSD {
		return true, "budget_monthly"
	}

	sessions := g.tracker.Sessions(p.ID)
	if p.LimitConcurrentSessions > 0 && sessions >= int64(p.LimitConcurrentSessions) {
		return true, "concurrent_sessions"
	}
	if p.CC > 0 && sessions >= int64(p.CC) {
		return true, "cc"
	}
	return false, ""
}

// Admit consumes one rpm and one rpd slot for the provider. With Redis the
// slots are shared across replicas; without it the tracker totals checked by
// Eligible already cover the ceilings and Admit is a no-op.
func (g *Guard) Admit(ctx context.Context, p *provider.Provider) error {
	if g.window == nil {
		return nil
	}
	if !g.window.Allow(ctx, p.ID, "rpm", p.RPM, time.Minute) {
		return ErrRateLimited
	}
	if !g.window.Allow(ctx, p.ID, "rpd", p.RPD, 24*time.Hour) {
		return ErrRateLimited
	}
	return nil
}
