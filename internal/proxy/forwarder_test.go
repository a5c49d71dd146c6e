package proxy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/format"
	"github.com/nulpointcorp/llm-relay/internal/provider"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/translate"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// capturedCall records one outbound request as the fake client saw it.
type capturedCall struct {
	Method    string
	URI       string
	UserAgent string
	Auth      string
	Body      string
}

// fakeReply scripts one upstream answer.
type fakeReply struct {
	Status int
	Body   string
	Err    error
}

// fakeDoer replays scripted replies and captures every outbound request.
type fakeDoer struct {
	replies []fakeReply
	calls   []capturedCall
}

func (d *fakeDoer) Do(req *fasthttp.Request, resp *fasthttp.Response) error {
	d.calls = append(d.calls, capturedCall{
		Method:    string(req.Header.Method()),
		URI:       req.URI().String(),
		UserAgent: string(req.Header.UserAgent()),
		Auth:      string(req.Header.Peek("Authorization")),
		Body:      string(req.Body()),
	})

	i := len(d.calls) - 1
	if i >= len(d.replies) {
		return errors.New("no scripted reply left")
	}
	r := d.replies[i]
	if r.Err != nil {
		return r.Err
	}
	resp.SetStatusCode(r.Status)
	resp.Header.SetContentType("application/json")
	resp.SetBodyString(r.Body)
	return nil
}

func newTestForwarder(t *testing.T, client Doer, provs ...*provider.Provider) (*Forwarder, *usage.Tracker, *CircuitBreaker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	repo := provider.NewStaticRepository(provs)
	breaker := NewCircuitBreaker()
	tracker := usage.NewTracker()
	sticky := NewStickyMap(ctx, time.Hour)
	sel := NewSelector(repo, breaker, nil, sticky, nil)
	sel.Seed(7)
	return NewForwarder(sel, breaker, nil, tracker, client, nil, nil), tracker, breaker
}

func openAISession(model string) *Session {
	return &Session{
		Model:          model,
		Body:           []byte(`{"model":"` + model + `","messages":[{"role":"user","content":"hi"}]}`),
		Method:         fasthttp.MethodPost,
		Path:           "/v1/chat/completions",
		OriginalFormat: format.OpenAI,
	}
}

func TestForwarder_SuccessFirstAttempt(t *testing.T) {
	client := &fakeDoer{replies: []fakeReply{
		{Status: 200, Body: `{"id":"cmpl-1","choices":[]}`},
	}}
	fwd, tracker, _ := newTestForwarder(t, client,
		testProvider(1, "primary", provider.TypeOpenAI, 10, 0),
	)

	session := openAISession("gpt-4o")
	resp, err := fwd.Forward(context.Background(), session)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fasthttp.ReleaseResponse(resp)

	if string(resp.Body()) != `{"id":"cmpl-1","choices":[]}` {
		t.Errorf("unexpected body: %s", resp.Body())
	}
	if session.Provider == nil || session.Provider.ID != 1 {
		t.Errorf("session should carry the serving provider, got %v", session.Provider)
	}
	// The slot is held until the dispatcher finishes streaming.
	if got := tracker.Sessions(1); got != 1 {
		t.Errorf("session slot should still be held, got %d", got)
	}

	call := client.calls[0]
	if call.URI != "https://upstream.example/v1/chat/completions" {
		t.Errorf("unexpected URI: %s", call.URI)
	}
	if call.Auth != "Bearer " {
		t.Errorf("expected bearer header even with empty key, got %q", call.Auth)
	}
}

func TestForwarder_FailoverThenSuccess(t *testing.T) {
	client := &fakeDoer{replies: []fakeReply{
		{Status: 503, Body: `{"error":{"message":"down"}}`},
		{Status: 200, Body: `{"id":"cmpl-2"}`},
	}}
	fwd, tracker, breaker := newTestForwarder(t, client,
		testProvider(1, "primary", provider.TypeOpenAI, 10, 0),
		testProvider(2, "backup", provider.TypeOpenAI, 10, 1),
	)

	session := openAISession("gpt-4o")
	resp, err := fwd.Forward(context.Background(), session)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fasthttp.ReleaseResponse(resp)

	if session.Provider.ID != 2 {
		t.Errorf("backup provider should have served, got %d", session.Provider.ID)
	}
	if breaker.FailureCount(1) != 1 {
		t.Errorf("primary should have one recorded failure, got %d", breaker.FailureCount(1))
	}
	if tracker.Sessions(1) != 0 {
		t.Error("failed attempt must release the primary's slot")
	}
	if tracker.Sessions(2) != 1 {
		t.Error("serving provider's slot must still be held")
	}

	decs := session.Decisions()
	// selected(1), failed(1), selected(2)
	if len(decs) != 3 || decs[1].Reason != ReasonFailed || decs[2].ProviderID != 2 {
		t.Errorf("unexpected decision chain: %+v", decs)
	}
}

func TestForwarder_AllProvidersFail(t *testing.T) {
	client := &fakeDoer{replies: []fakeReply{
		{Status: 500, Body: `{"error":{"message":"a"}}`},
		{Status: 502, Body: `{"error":{"message":"b"}}`},
	}}
	fwd, tracker, _ := newTestForwarder(t, client,
		testProvider(1, "a", provider.TypeOpenAI, 10, 0),
		testProvider(2, "b", provider.TypeOpenAI, 10, 1),
	)

	session := openAISession("gpt-4o")
	_, err := fwd.Forward(context.Background(), session)

	var failed *AllProvidersFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected AllProvidersFailed, got %v", err)
	}
	if failed.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", failed.Attempts)
	}
	if failed.Last == nil || failed.Last.Status != 502 {
		t.Errorf("Last should carry the final upstream error, got %+v", failed.Last)
	}
	if failed.HTTPStatus() != fasthttp.StatusBadGateway {
		t.Errorf("exhaustion maps to 502, got %d", failed.HTTPStatus())
	}
	if tracker.Sessions(1) != 0 || tracker.Sessions(2) != 0 {
		t.Error("all slots must be released after exhaustion")
	}
}

func TestForwarder_RetryBudget(t *testing.T) {
	// One provider failing forever: the loop stops once the budget is spent,
	// because the provider is excluded after its first failure.
	client := &fakeDoer{replies: []fakeReply{
		{Err: errors.New("connection refused")},
	}}
	fwd, _, _ := newTestForwarder(t, client,
		testProvider(1, "only", provider.TypeOpenAI, 10, 0),
	)

	session := openAISession("gpt-4o")
	_, err := fwd.Forward(context.Background(), session)

	var failed *AllProvidersFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected AllProvidersFailed, got %v", err)
	}
	if len(client.calls) != 1 {
		t.Errorf("an excluded provider must not be retried, got %d calls", len(client.calls))
	}
	if failed.Last == nil || failed.Last.Status != 0 {
		t.Errorf("network error should have status 0, got %+v", failed.Last)
	}
	if failed.Last.Class() != "network" {
		t.Errorf("network error class, got %s", failed.Last.Class())
	}
}

func TestForwarder_NoProviderForModel(t *testing.T) {
	client := &fakeDoer{}
	fwd, _, _ := newTestForwarder(t, client,
		testProvider(1, "claude-only", provider.TypeClaude, 10, 0),
	)

	session := openAISession("o3-mini")
	_, err := fwd.Forward(context.Background(), session)

	var noProv *ErrNoProvider
	if !errors.As(err, &noProv) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
	if noProv.HTTPStatus() != fasthttp.StatusServiceUnavailable {
		t.Errorf("empty pool maps to 503, got %d", noProv.HTTPStatus())
	}
	if len(client.calls) != 0 {
		t.Error("no upstream call should be made without a provider")
	}
}

func TestForwarder_CodexAttemptShape(t *testing.T) {
	client := &fakeDoer{replies: []fakeReply{
		{Status: 200, Body: `{"id":"resp_1","output":[]}`},
	}}
	codex := testProvider(1, "codex", provider.TypeCodex, 10, 0)
	codex.Key = "sk-test"
	fwd, _, _ := newTestForwarder(t, client, codex)

	session := openAISession("gpt-5-codex")
	session.UserAgent = "curl/8.0"

	resp, err := fwd.Forward(context.Background(), session)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fasthttp.ReleaseResponse(resp)

	call := client.calls[0]
	if call.URI != "https://upstream.example/v1/responses" {
		t.Errorf("codex providers use the fixed responses path, got %s", call.URI)
	}
	if call.UserAgent != translate.CodexUserAgent {
		t.Errorf("non-official clients must be masked, got %q", call.UserAgent)
	}
	if call.Auth != "Bearer sk-test" {
		t.Errorf("unexpected auth header: %q", call.Auth)
	}
	// Sanitized codex bodies force the tool toggles on.
	if !strings.Contains(call.Body, `"parallel_tool_calls":true`) {
		t.Errorf("sanitized body should force parallel_tool_calls, got %s", call.Body)
	}
	if strings.Contains(call.Body, `"temperature"`) {
		t.Errorf("sanitized body must not carry sampling params, got %s", call.Body)
	}
}

func TestForwarder_ModelRedirect(t *testing.T) {
	client := &fakeDoer{replies: []fakeReply{
		{Status: 200, Body: `{"id":"cmpl-3"}`},
	}}
	prov := testProvider(1, "aliased", provider.TypeOpenAI, 10, 0)
	prov.Redirects = map[string]string{"gpt-4o": "gpt-4o-mini"}
	fwd, _, _ := newTestForwarder(t, client, prov)

	session := openAISession("gpt-4o")
	resp, err := fwd.Forward(context.Background(), session)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fasthttp.ReleaseResponse(resp)

	if session.Model != "gpt-4o-mini" {
		t.Errorf("redirect should rewrite the session model, got %s", session.Model)
	}
}

// newWindowForwarder wires a forwarder whose guard runs a real sliding
// window over miniredis.
func newWindowForwarder(t *testing.T, client Doer, provs ...*provider.Provider) (*Forwarder, *ratelimit.Guard, *CircuitBreaker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	tracker := usage.NewTracker()
	g := ratelimit.NewGuard(tracker, ratelimit.NewSlidingWindow(rdb), nil)
	repo := provider.NewStaticRepository(provs)
	breaker := NewCircuitBreaker()
	sticky := NewStickyMap(ctx, time.Hour)
	sel := NewSelector(repo, breaker, g, sticky, nil)
	sel.Seed(7)
	return NewForwarder(sel, breaker, g, tracker, client, nil, nil), g, breaker
}

func TestForwarder_PoolRateLimited(t *testing.T) {
	client := &fakeDoer{}
	prov := testProvider(1, "limited", provider.TypeOpenAI, 10, 0)
	prov.RPM = 1
	fwd, g, _ := newWindowForwarder(t, client, prov)

	// Drain the single rpm slot; the local tracker has seen nothing, so the
	// selector's non-consuming filter still lets the provider through.
	if err := g.Admit(context.Background(), prov); err != nil {
		t.Fatalf("first admission should pass: %v", err)
	}

	session := openAISession("gpt-4o")
	_, err := fwd.Forward(context.Background(), session)

	var rl *ErrRateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if rl.HTTPStatus() != fasthttp.StatusTooManyRequests {
		t.Errorf("window exhaustion maps to 429, got %d", rl.HTTPStatus())
	}
	if len(client.calls) != 0 {
		t.Errorf("no upstream call should be made, got %d", len(client.calls))
	}
}

func TestForwarder_RateLimitedPickReleasesProbe(t *testing.T) {
	// A provider whose circuit is open past its cooldown is admitted by the
	// pick as a half-open probe. When window admission then turns it away,
	// the probe reservation must be released, or no outcome would ever be
	// recorded and the provider could never be selected again.
	client := &fakeDoer{}
	prov := testProvider(1, "recovering", provider.TypeOpenAI, 10, 0)
	prov.RPM = 1
	fwd, g, breaker := newWindowForwarder(t, client, prov)

	clk := &testClock{t: time.Now()}
	breaker.now = clk.now
	trip(breaker, 1)
	clk.advance(BreakerBaseCooldown + time.Second)

	if err := g.Admit(context.Background(), prov); err != nil {
		t.Fatalf("first admission should pass: %v", err)
	}

	session := openAISession("gpt-4o")
	_, err := fwd.Forward(context.Background(), session)

	var rl *ErrRateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Errorf("no upstream call should be made, got %d", len(client.calls))
	}
	if !breaker.Ready(1) {
		t.Error("the probe slot must be released when admission rejects the pick")
	}

	// Once the window clears, the probe must actually run.
	prov.RPM = 0
	clk.advance(48 * time.Hour)
	client.replies = []fakeReply{{Status: 200, Body: `{"id":"cmpl-9"}`}}
	resp, err := fwd.Forward(context.Background(), openAISession("gpt-4o"))
	if err != nil {
		t.Fatalf("provider should be reachable again: %v", err)
	}
	defer fasthttp.ReleaseResponse(resp)
	if breaker.State(1) != BreakerClosed {
		t.Errorf("successful probe should close the circuit, got %s", breaker.StateLabel(1))
	}
}

func TestUpstreamPath(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		from   format.Format
		to     format.Format
		stream bool
		want   string
	}{
		{name: "same format keeps client path", path: "/v1/chat/completions", from: format.OpenAI, to: format.OpenAI, want: "/v1/chat/completions"},
		{name: "gemini method suffix survives identity", path: "/v1internal:streamGenerateContent", from: format.GeminiCLI, to: format.GeminiCLI, want: "/v1internal:streamGenerateContent"},
		{name: "codex always pinned", path: "/v1/chat/completions", from: format.OpenAI, to: format.Codex, want: "/v1/responses"},
		{name: "cross format to claude", path: "/v1/chat/completions", from: format.OpenAI, to: format.Claude, want: "/v1/messages"},
		{name: "cross format to openai", path: "/v1/messages", from: format.Claude, to: format.OpenAI, want: "/v1/chat/completions"},
		{name: "cross format to gemini streaming", path: "/v1/messages", from: format.Claude, to: format.GeminiCLI, stream: true, want: "/v1internal:streamGenerateContent"},
		{name: "cross format to gemini unary", path: "/v1/messages", from: format.Claude, to: format.GeminiCLI, want: "/v1internal:generateContent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := upstreamPath(tc.path, tc.from, tc.to, tc.stream); got != tc.want {
				t.Errorf("upstreamPath() = %s, want %s", got, tc.want)
			}
		})
	}
}
