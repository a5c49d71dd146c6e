// Package stats implements a non-blocking, batched statistics sink.
//
// Usage records are written to an internal buffered channel and flushed in
// batches by a background goroutine — recording never blocks the relay hot
// path. If the channel fills up (> 10 000 entries), new records are dropped
// and counted in Dropped.
//
// Two flushers exist: a structured-log flusher (the default) and a
// ClickHouse flusher for deployments that want queryable history.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	drainTimeout  = 5 * time.Second
)

// Record is one completed logical request.
type Record struct {
	RequestID    string
	User         string
	Provider     string
	ProviderID   int64
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	LatencyMs    int64
	Status       int
	Outcome      string // "success", "failed", "blocked", ...
	Attempts     int
	CreatedAt    time.Time
}

// Sink accepts usage records. Implementations must not block the caller.
type Sink interface {
	Record(rec Record)
	Close() error
}

// Flusher persists one batch of records.
type Flusher interface {
	Flush(ctx context.Context, batch []Record) error
}

// Async is the buffered Sink; it hands batches to a Flusher.
type Async struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	flusher Flusher
	log     *slog.Logger
}

// NewAsync starts the background flush loop. A nil flusher falls back to the
// structured-log flusher.
func NewAsync(ctx context.Context, flusher Flusher, log *slog.Logger) (*Async, error) {
	if ctx == nil {
		return nil, fmt.Errorf("stats: context must not be nil")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if flusher == nil {
		flusher = &LogFlusher{Log: log}
	}

	s := &Async{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		flusher: flusher,
		log:     log,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Record enqueues rec; drops it when the buffer is full.
func (s *Async) Record(rec Record) {
	select {
	case s.ch <- rec:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped returns the count of records lost to backpressure.
func (s *Async) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close drains the channel, flushes the remainder, and stops the loop.
func (s *Async) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

func (s *Async) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.flusher.Flush(ctx, batch); err != nil {
			s.log.Error("stats_flush_failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush(s.baseCtx)
			}

		case <-ticker.C:
			flush(s.baseCtx)

		case <-s.done:
			// The base context is typically already cancelled during
			// shutdown; the final drain gets its own deadline so the last
			// batch still lands.
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			for {
				select {
				case rec := <-s.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush(drainCtx)
					}
				default:
					flush(drainCtx)
					return
				}
			}
		}
	}
}

// LogFlusher emits each record as one structured log line.
type LogFlusher struct {
	Log *slog.Logger
}

// Flush implements Flusher.
func (f *LogFlusher) Flush(ctx context.Context, batch []Record) error {
	for _, r := range batch {
		f.Log.InfoContext(ctx, "request",
			slog.String("request_id", r.RequestID),
			slog.String("user", r.User),
			slog.String("provider", r.Provider),
			slog.String("model", r.Model),
			slog.Int64("input_tokens", r.InputTokens),
			slog.Int64("output_tokens", r.OutputTokens),
			slog.Float64("cost_usd", r.CostUSD),
			slog.Int64("latency_ms", r.LatencyMs),
			slog.Int("status", r.Status),
			slog.String("outcome", r.Outcome),
			slog.Int("attempts", r.Attempts),
			slog.Time("created_at", normalizeTime(r.CreatedAt)),
		)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
