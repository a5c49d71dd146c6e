package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/format"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/provider"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/translate"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// MaxRetryAttempts is how many provider failures a single logical request
// tolerates before giving up.
const MaxRetryAttempts = 3

// errBodyLimit bounds how much of an upstream error body is retained.
const errBodyLimit = 4 << 10

// codexPath is the fixed upstream path for Codex providers.
const codexPath = "/v1/responses"

// upstreamPath resolves the request path for one attempt. Same-format
// forwards keep the client's path verbatim (it may carry a method suffix,
// like the Gemini CLI ":streamGenerateContent"); cross-format forwards use
// the target format's canonical endpoint.
func upstreamPath(clientPath string, from, to format.Format, stream bool) string {
	if to == format.Codex {
		return codexPath
	}
	if from == to {
		return clientPath
	}
	switch to {
	case format.Claude:
		return "/v1/messages"
	case format.OpenAI:
		return "/v1/chat/completions"
	case format.GeminiCLI:
		if stream {
			return "/v1internal:streamGenerateContent"
		}
		return "/v1internal:generateContent"
	}
	return clientPath
}

// UpstreamError describes one failed provider attempt. Status is 0 for
// network errors.
type UpstreamError struct {
	ProviderID   int64
	ProviderName string
	Status       int
	Body         []byte
	Err          error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.ProviderName, e.Err)
	}
	return fmt.Sprintf("upstream %s: status %d", e.ProviderName, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// HTTPStatus returns the upstream status, or 502 for network errors.
func (e *UpstreamError) HTTPStatus() int {
	if e.Status == 0 {
		return fasthttp.StatusBadGateway
	}
	return e.Status
}

// Class returns a short category string for logs and metric labels.
func (e *UpstreamError) Class() string {
	if e.Status == 0 {
		return "network"
	}
	return fmt.Sprintf("http_%d", e.Status)
}

// AllProvidersFailed is raised when the retry budget is exhausted or the
// selector runs out of candidates. Last carries the final attempt's error.
type AllProvidersFailed struct {
	Attempts int
	Last     *UpstreamError
}

func (e *AllProvidersFailed) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("all providers failed after %d attempt(s)", e.Attempts)
	}
	return fmt.Sprintf("all providers failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *AllProvidersFailed) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// HTTPStatus implements the status mapping for the retry-exhausted surface.
func (e *AllProvidersFailed) HTTPStatus() int { return fasthttp.StatusBadGateway }

// ErrNoProvider is raised when the very first pick yields nothing.
type ErrNoProvider struct{ Model string }

func (e *ErrNoProvider) Error() string {
	return fmt.Sprintf("no provider available for model %q", e.Model)
}

// HTTPStatus maps the empty pool to 503.
func (e *ErrNoProvider) HTTPStatus() int { return fasthttp.StatusServiceUnavailable }

// ErrRateLimited is raised when every candidate was turned away by the
// shared rate-limit window before a single upstream attempt was made.
type ErrRateLimited struct{ Model string }

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("all providers rate limited for model %q", e.Model)
}

// HTTPStatus maps window exhaustion to 429.
func (e *ErrRateLimited) HTTPStatus() int { return fasthttp.StatusTooManyRequests }

// Doer issues the outbound HTTP call. *fasthttp.Client satisfies it.
type Doer interface {
	Do(req *fasthttp.Request, resp *fasthttp.Response) error
}

// Forwarder drives the retry/failover loop for one logical request:
// pick → redirect → translate → sanitize → fetch, recording every outcome
// in the circuit breaker and the session's decision chain.
type Forwarder struct {
	selector *Selector
	breaker  *CircuitBreaker
	guard    *ratelimit.Guard
	tracker  *usage.Tracker
	client   Doer
	metrics  *metrics.Registry
	log      *slog.Logger
}

// NewForwarder builds a Forwarder. guard and metrics may be nil.
func NewForwarder(selector *Selector, breaker *CircuitBreaker, guard *ratelimit.Guard, tracker *usage.Tracker, client Doer, m *metrics.Registry, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{
		selector: selector,
		breaker:  breaker,
		guard:    guard,
		tracker:  tracker,
		client:   client,
		metrics:  m,
		log:      log,
	}
}

// Forward executes the logical request. On success the session's Provider is
// the upstream that served it, the returned response holds (or streams) the
// upstream body, and the provider's session slot is held — the caller must
// release it via tracker.ReleaseSession on every exit path. The response must
// be released with fasthttp.ReleaseResponse.
func (f *Forwarder) Forward(ctx context.Context, session *Session) (*fasthttp.Response, error) {
	var last *UpstreamError
	attempts := 0
	rateLimited := 0

	prov := f.selector.Pick(ctx, session)
	if prov == nil {
		return nil, &ErrNoProvider{Model: session.Model}
	}

	for prov != nil && attempts <= MaxRetryAttempts {
		if f.guard != nil {
			if err := f.guard.Admit(ctx, prov); err != nil {
				// The shared window is ahead of the local counters; treat
				// the provider as ineligible and repick without burning an
				// attempt. The pick may have reserved a half-open probe
				// slot that no attempt outcome will release.
				f.breaker.CancelProbe(prov.ID)
				rateLimited++
				session.Exclude(prov.ID)
				if f.metrics != nil {
					f.metrics.RecordRateLimit("provider_window")
				}
				prov = f.selector.Pick(ctx, session)
				continue
			}
		}

		session.Provider = prov
		f.tracker.AcquireSession(prov.ID)

		resp, uerr := f.attempt(ctx, session, prov)
		attempts++

		if uerr == nil {
			f.breaker.RecordSuccess(prov.ID)
			if f.metrics != nil {
				f.metrics.SetCircuitState(prov.Name, int64(f.breaker.State(prov.ID)))
			}
			return resp, nil
		}

		f.tracker.ReleaseSession(prov.ID)
		f.breaker.RecordFailure(prov.ID)
		last = uerr

		f.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("provider", prov.Name),
			slog.Int64("provider_id", prov.ID),
			slog.String("reason", uerr.Class()),
			slog.Int("attempt", attempts),
			slog.String("error", uerr.Error()),
		)
		if f.metrics != nil {
			f.metrics.RecordUpstreamError(prov.Name, uerr.Class())
			f.metrics.SetCircuitState(prov.Name, int64(f.breaker.State(prov.ID)))
		}

		session.PushDecision(Decision{
			ProviderID:   prov.ID,
			Reason:       ReasonFailed,
			CircuitState: f.breaker.StateLabel(prov.ID),
			Attempt:      attempts,
			Error:        uerr.Error(),
		})
		session.Exclude(prov.ID)

		if attempts > MaxRetryAttempts {
			break
		}
		next := f.selector.Pick(ctx, session)
		if next != nil && next.ID != prov.ID && f.metrics != nil {
			f.metrics.RecordFailover(prov.Name, next.Name, uerr.Class())
		}
		prov = next
	}

	if attempts == 0 && rateLimited > 0 {
		// Nothing upstream was ever tried; the whole pool was rejected by
		// the shared window. This is a 429, not a provider failure.
		return nil, &ErrRateLimited{Model: session.Model}
	}

	if f.metrics != nil {
		f.metrics.RecordFailoverExhausted(session.Model)
	}
	return nil, &AllProvidersFailed{Attempts: attempts, Last: last}
}

// attempt runs one provider attempt end to end. A nil *UpstreamError means
// the response is 2xx and owned by the caller.
func (f *Forwarder) attempt(ctx context.Context, session *Session, prov *provider.Provider) (*fasthttp.Response, *UpstreamError) {
	session.Model = prov.Redirect(session.Model)

	body := session.Body
	from := session.OriginalFormat
	to := prov.Type.Format()

	if from != to {
		translated, err := translate.Request(from, to, session.Model, body)
		if err != nil {
			// Degrade to passthrough; some OpenAI-compatible upstreams
			// accept foreign payloads.
			f.log.WarnContext(ctx, "translation_degraded",
				slog.String("from", string(from)),
				slog.String("to", string(to)),
				slog.String("error", err.Error()),
			)
		} else {
			body = translated
		}
	}

	official := translate.IsOfficialCodexUA(session.UserAgent)
	if to == format.Codex && !official {
		body = translate.SanitizeCodexRequest(session.Model, body)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()

	path := upstreamPath(session.Path, from, to, session.Stream)
	uri := prov.URL + path
	if session.Query != "" {
		uri += "?" + session.Query
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(session.Method)

	if host := hostOf(prov.URL); host != "" {
		req.Header.SetHost(host)
	}
	req.Header.Set("Authorization", "Bearer "+prov.Key)
	req.Header.Set("X-Api-Key", prov.Key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "identity")
	if to == format.Codex {
		req.Header.SetUserAgent(translate.CodexUserAgent)
	} else if session.UserAgent != "" {
		req.Header.SetUserAgent(session.UserAgent)
	}

	if session.Method != fasthttp.MethodGet && session.Method != fasthttp.MethodHead {
		req.SetBody(body)
	}

	start := time.Now()
	err := f.client.Do(req, resp)
	dur := time.Since(start)

	switch {
	case err != nil:
		fasthttp.ReleaseResponse(resp)
		if f.metrics != nil {
			f.metrics.ObserveUpstreamAttempt(prov.Name, session.Path, "network_error", dur)
		}
		return nil, &UpstreamError{ProviderID: prov.ID, ProviderName: prov.Name, Err: err}

	case resp.StatusCode() < 200 || resp.StatusCode() >= 300:
		status := resp.StatusCode()
		errBody := truncatedBody(resp)
		fasthttp.ReleaseResponse(resp)
		if f.metrics != nil {
			f.metrics.ObserveUpstreamAttempt(prov.Name, session.Path, fmt.Sprintf("http_%d", status), dur)
		}
		return nil, &UpstreamError{ProviderID: prov.ID, ProviderName: prov.Name, Status: status, Body: errBody}
	}

	if f.metrics != nil {
		f.metrics.ObserveUpstreamAttempt(prov.Name, session.Path, "success", dur)
	}
	return resp, nil
}

// truncatedBody drains at most errBodyLimit bytes of an error response,
// whether it was buffered or streamed.
func truncatedBody(resp *fasthttp.Response) []byte {
	if stream := resp.BodyStream(); stream != nil {
		buf, _ := io.ReadAll(io.LimitReader(stream, errBodyLimit))
		return buf
	}
	b := resp.Body()
	if len(b) > errBodyLimit {
		b = b[:errBodyLimit]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func hostOf(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return u.Host
}
