package proxy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/provider"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

func newTestRelay(t *testing.T, provs ...*provider.Provider) *Relay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, provider.NewStaticRepository(provs), usage.NewTracker(), Options{})
}

func TestWriteForwardError_RateLimitedSurfaces429(t *testing.T) {
	r := newTestRelay(t)

	var ctx fasthttp.RequestCtx
	session := openAISession("gpt-4o")
	r.writeForwardError(&ctx, session, &ErrRateLimited{Model: "gpt-4o"}, time.Now())

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusTooManyRequests {
		t.Errorf("rate-limited pool maps to 429, got %d", got)
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After = %q, want \"60\"", got)
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, "rate_limit") {
		t.Errorf("body should carry the rate-limit envelope, got %s", body)
	}
}

func TestWriteForwardError_NoProviderSurfaces503(t *testing.T) {
	r := newTestRelay(t)

	var ctx fasthttp.RequestCtx
	session := openAISession("gpt-4o")
	r.writeForwardError(&ctx, session, &ErrNoProvider{Model: "gpt-4o"}, time.Now())

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusServiceUnavailable {
		t.Errorf("empty pool maps to 503, got %d", got)
	}
}
