// Package usage tracks per-provider consumption: token counts, request
// counts, and USD spend over rolling windows, plus a live concurrent-session
// gauge. The rate-limit guard and the provider selector consult it; the
// dispatcher feeds it after each upstream response.
//
// State is process-local and rebuilt empty on restart.
package usage

import (
	"sync"
	"sync/atomic"
	"time"
)

// Window identifies a rolling accounting window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
	Window5h     Window = "5h"
	WindowWeek   Window = "week"
	WindowMonth  Window = "month"
)

// Windows lists every tracked window.
var Windows = []Window{WindowMinute, WindowHour, WindowDay, Window5h, WindowWeek, WindowMonth}

var windowDurations = map[Window]time.Duration{
	WindowMinute: time.Minute,
	WindowHour:   time.Hour,
	WindowDay:    24 * time.Hour,
	Window5h:     5 * time.Hour,
	WindowWeek:   7 * 24 * time.Hour,
	WindowMonth:  30 * 24 * time.Hour,
}

// Totals is a snapshot of one provider window.
type Totals struct {
	Tokens   int64
	Requests int64
	USD      float64
}

// bucket is a coarse rolling window: it resets when its span elapses.
// Precise sliding semantics are not needed for budget ceilings.
type bucket struct {
	start time.Time
	Totals
}

// counter holds all windows for one provider.
type counter struct {
	mu       sync.Mutex
	windows  map[Window]*bucket
	sessions atomic.Int64
}

// Tracker aggregates usage for all providers. Safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	counters map[int64]*counter

	now func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		counters: make(map[int64]*counter),
		now:      time.Now,
	}
}

func (t *Tracker) get(providerID int64) *counter {
	t.mu.RLock()
	c, ok := t.counters[providerID]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.counters[providerID]; ok {
		return c
	}
	c = &counter{windows: make(map[Window]*bucket, len(Windows))}
	t.counters[providerID] = c
	return c
}

// Record adds one request with the given token count and spend to every
// window of the provider.
func (t *Tracker) Record(providerID, tokens int64, usd float64) {
	c := t.get(providerID)
	now := t.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, w := range Windows {
		b, ok := c.windows[w]
		if !ok {
			b = &bucket{start: now}
			c.windows[w] = b
		}
		if now.Sub(b.start) >= windowDurations[w] {
			b.start = now
			b.Totals = Totals{}
		}
		b.Tokens += tokens
		b.Requests++
		b.USD += usd
	}
}

// Totals returns the current snapshot of one provider window. Expired
// windows report zero.
func (t *Tracker) Totals(providerID int64, w Window) Totals {
	t.mu.RLock()
	c, ok := t.counters[providerID]
	t.mu.RUnlock()
	if !ok {
		return Totals{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.windows[w]
	if !ok || t.now().Sub(b.start) >= windowDurations[w] {
		return Totals{}
	}
	return b.Totals
}

// AcquireSession increments the provider's live session gauge and returns
// the new value.
func (t *Tracker) AcquireSession(providerID int64) int64 {
	return t.get(providerID).sessions.Add(1)
}

// ReleaseSession decrements the provider's live session gauge. Callers must
// pair it with AcquireSession on every exit path.
func (t *Tracker) ReleaseSession(providerID int64) {
	t.get(providerID).sessions.Add(-1)
}

// Sessions returns the provider's live session count.
func (t *Tracker) Sessions(providerID int64) int64 {
	t.mu.RLock()
	c, ok := t.counters[providerID]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.sessions.Load()
}
