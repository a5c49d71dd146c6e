// Package proxy is the core relay pipeline.
//
// A request enters through one of the four format endpoints, is detected and
// parsed into a Session, passes the auth → sensitive-word → rate-limit
// guards, then the Forwarder drives the pick/translate/sanitize/fetch loop
// and the Dispatcher streams the result back in the client's format.
//
// Key design constraints:
//   - No blocking I/O on the hot path beyond the upstream fetch itself.
//   - Statistics sink, price book, and metrics are optional and nil-safe.
//   - Streaming responses are never buffered whole.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/auth"
	"github.com/nulpointcorp/llm-relay/internal/format"
	"github.com/nulpointcorp/llm-relay/internal/guard"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/provider"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/stats"
	"github.com/nulpointcorp/llm-relay/internal/usage"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// defaultUpstreamTimeout bounds a single provider attempt. The relay core
// sets no per-request deadline; this is the HTTP-layer cap.
const defaultUpstreamTimeout = 5 * time.Minute

// Options holds optional tuning parameters for a Relay. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for request events and failover
	// diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Breaker configures the per-provider circuit breaker thresholds.
	Breaker BreakerConfig

	// StickyTTL is the session-affinity lifetime. Default: DefaultStickyTTL.
	StickyTTL time.Duration

	// UpstreamTimeout caps one provider attempt. Default: 5m (streams run long).
	UpstreamTimeout time.Duration

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// Auth resolves inbound API keys. Nil disables authentication
	// (useful in tests and trusted-network deployments).
	Auth *auth.Authenticator

	// Sensitive blocks requests matching the configured word list.
	Sensitive *guard.SensitiveWords

	// Limits enforces per-provider ceilings. Nil disables quota filtering.
	Limits *ratelimit.Guard

	// Prices resolves models to USD rates for budget accounting.
	Prices *pricing.Book

	// Sink receives one record per completed request.
	Sink stats.Sink

	// Client issues outbound HTTP calls. Defaults to a streaming
	// fasthttp.Client.
	Client Doer

	// CORSOrigins configures allowed origins. Empty means "*".
	CORSOrigins []string
}

// Relay wires the full pipeline. All dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Relay struct {
	repo       provider.Repository
	authn      *auth.Authenticator
	sensitive  *guard.SensitiveWords
	limits     *ratelimit.Guard
	breaker    *CircuitBreaker
	sticky     *StickyMap
	selector   *Selector
	forwarder  *Forwarder
	dispatcher *Dispatcher
	tracker    *usage.Tracker
	metrics    *metrics.Registry
	log        *slog.Logger

	corsOrigins []string
}

// New creates a fully wired Relay. ctx bounds the lifetime of background
// goroutines (sticky-map eviction).
func New(ctx context.Context, repo provider.Repository, tracker *usage.Tracker, opts Options) *Relay {
	if ctx == nil {
		panic("relay: context must not be nil")
	}
	if tracker == nil {
		tracker = usage.NewTracker()
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	client := opts.Client
	if client == nil {
		timeout := opts.UpstreamTimeout
		if timeout <= 0 {
			timeout = defaultUpstreamTimeout
		}
		client = &fasthttp.Client{
			ReadTimeout:         timeout,
			WriteTimeout:        30 * time.Second,
			MaxConnsPerHost:     512,
			StreamResponseBody:  true,
			ReadBufferSize:      64 << 10,
			MaxResponseBodySize: 0, // streamed
		}
	}

	breaker := NewCircuitBreakerWithConfig(opts.Breaker)
	sticky := NewStickyMap(ctx, opts.StickyTTL)
	selector := NewSelector(repo, breaker, opts.Limits, sticky, log)
	forwarder := NewForwarder(selector, breaker, opts.Limits, tracker, client, opts.Metrics, log)
	dispatcher := NewDispatcher(tracker, opts.Prices, opts.Sink, opts.Metrics, log)

	return &Relay{
		repo:        repo,
		authn:       opts.Auth,
		sensitive:   opts.Sensitive,
		limits:      opts.Limits,
		breaker:     breaker,
		sticky:      sticky,
		selector:    selector,
		forwarder:   forwarder,
		dispatcher:  dispatcher,
		tracker:     tracker,
		metrics:     opts.Metrics,
		log:         log,
		corsOrigins: opts.CORSOrigins,
	}
}

// Breaker exposes the circuit registry (health endpoint, tests).
func (r *Relay) Breaker() *CircuitBreaker { return r.breaker }

// Sticky exposes the affinity map.
func (r *Relay) Sticky() *StickyMap { return r.sticky }

// handleProxy is the shared handler behind every format endpoint.
func (r *Relay) handleProxy(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := routeLabel(string(ctx.Path()))

	if r.metrics != nil {
		r.metrics.IncInFlight()
	}
	defer func() {
		if r.metrics != nil {
			r.metrics.DecInFlight()
			r.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	body := ctx.PostBody()

	clientFormat := format.Detect(body)
	model := modelFromRequest(clientFormat, body, string(ctx.Path()))
	if model == "" {
		apierr.WriteInvalidRequest(ctx, clientFormat, "field 'model' is required")
		return
	}

	principal := auth.Principal{}
	if r.authn != nil {
		p, err := r.authn.Authenticate(
			string(ctx.Request.Header.Peek("Authorization")),
			string(ctx.Request.Header.Peek("X-Api-Key")),
		)
		if err != nil {
			apierr.WriteUnauthorized(ctx, clientFormat)
			return
		}
		principal = p
	}

	if rule, ok := r.sensitive.Check(body); !ok {
		r.log.WarnContext(ctx, "request_blocked",
			slog.String("request_id", reqID),
			slog.String("rule", rule),
			slog.String("user", principal.Name),
		)
		if r.metrics != nil {
			r.metrics.RecordBlocked("sensitive_word")
		}
		apierr.WriteBlocked(ctx, clientFormat)
		return
	}

	session := &Session{
		Model:          model,
		Body:           body,
		Method:         string(ctx.Method()),
		Path:           string(ctx.Path()),
		Query:          string(ctx.URI().QueryString()),
		UserAgent:      string(ctx.Request.Header.UserAgent()),
		OriginalFormat: clientFormat,
		Principal:      principal,
		SessionID:      sessionKey(ctx, body),
		Stream:         streamRequested(body, string(ctx.Path())),
	}

	r.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", session.Model),
		slog.String("format", string(clientFormat)),
		slog.Bool("stream", session.Stream),
		slog.String("user", principal.Name),
	)

	resp, err := r.forwarder.Forward(ctx, session)
	if err != nil {
		r.writeForwardError(ctx, session, err, start)
		return
	}

	r.dispatcher.Dispatch(ctx, session, resp, start)
}

// writeForwardError maps forwarder failures onto the client's wire format.
func (r *Relay) writeForwardError(ctx *fasthttp.RequestCtx, session *Session, err error, start time.Time) {
	reqID, _ := ctx.UserValue("request_id").(string)
	f := session.OriginalFormat

	var noProv *ErrNoProvider
	var rateLimited *ErrRateLimited
	var allFailed *AllProvidersFailed

	switch {
	case errors.As(err, &noProv):
		r.log.WarnContext(ctx, "no_provider_available",
			slog.String("request_id", reqID),
			slog.String("model", session.Model),
		)
		apierr.WriteNoProvider(ctx, f)

	case errors.As(err, &rateLimited):
		r.log.WarnContext(ctx, "pool_rate_limited",
			slog.String("request_id", reqID),
			slog.String("model", session.Model),
		)
		if r.metrics != nil {
			r.metrics.RecordRateLimit("pool_exhausted")
		}
		apierr.WriteRateLimit(ctx, f)

	case errors.As(err, &allFailed):
		r.log.ErrorContext(ctx, "all_providers_failed",
			slog.String("request_id", reqID),
			slog.String("model", session.Model),
			slog.Int("attempts", allFailed.Attempts),
			slog.Any("decisions", session.Decisions()),
			slog.String("error", allFailed.Error()),
		)
		last := allFailed.Last
		if last != nil && last.Status > 0 {
			upFormat := format.OpenAI
			if prov := r.repo.ByID(ctx, last.ProviderID); prov != nil {
				upFormat = prov.Type.Format()
			}
			apierr.WriteUpstream(ctx, f, upFormat, last.Status, last.Body)
		} else {
			apierr.Write(ctx, f, fasthttp.StatusBadGateway,
				"all upstream providers failed", apierr.TypeProviderError, apierr.CodeProviderError)
		}

	default:
		r.log.ErrorContext(ctx, "forward_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx, f)
	}

	r.recordFailure(ctx, session, start)
}

func (r *Relay) recordFailure(ctx *fasthttp.RequestCtx, session *Session, start time.Time) {
	if r.dispatcher.sink == nil {
		return
	}
	reqID, _ := ctx.UserValue("request_id").(string)
	providerName := ""
	var providerID int64
	if session.Provider != nil {
		providerName = session.Provider.Name
		providerID = session.Provider.ID
	}
	r.dispatcher.sink.Record(stats.Record{
		RequestID:  reqID,
		User:       session.Principal.Name,
		Provider:   providerName,
		ProviderID: providerID,
		Model:      session.Model,
		LatencyMs:  time.Since(start).Milliseconds(),
		Status:     ctx.Response.StatusCode(),
		Outcome:    "failed",
		Attempts:   len(session.Decisions()),
		CreatedAt:  time.Now(),
	})
}

// modelFromRequest pulls the model name out of the body, falling back to the
// Gemini path form /v1beta/models/{model}:{method}.
func modelFromRequest(f format.Format, body []byte, path string) string {
	root := gjson.ParseBytes(body)

	if f == format.GeminiCLI {
		if m := root.Get("model").String(); m != "" {
			return m
		}
		if m := root.Get("request.model").String(); m != "" {
			return m
		}
	}
	if m := root.Get("model").String(); m != "" {
		return m
	}

	if i := strings.Index(path, "/models/"); i >= 0 {
		rest := path[i+len("/models/"):]
		if j := strings.IndexByte(rest, ':'); j >= 0 {
			rest = rest[:j]
		}
		return rest
	}
	return ""
}

// sessionKey extracts the client's sticky-session key: the Session-Id
// header, or a session_id field in the body.
func sessionKey(ctx *fasthttp.RequestCtx, body []byte) string {
	if v := ctx.Request.Header.Peek("Session-Id"); len(v) > 0 {
		return string(v)
	}
	if v := ctx.Request.Header.Peek("X-Session-Id"); len(v) > 0 {
		return string(v)
	}
	return gjson.GetBytes(body, "session_id").String()
}

func streamRequested(body []byte, path string) bool {
	if strings.Contains(path, ":streamGenerateContent") {
		return true
	}
	return gjson.GetBytes(body, "stream").Bool()
}

func routeLabel(path string) string {
	switch {
	case path == "/v1/chat/completions":
		return "chat_completions"
	case path == "/v1/responses":
		return "responses"
	case path == "/v1/messages":
		return "messages"
	case strings.HasPrefix(path, "/v1beta/"):
		return "gemini"
	default:
		return "other"
	}
}
