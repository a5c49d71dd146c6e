package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management handlers registered alongside
// the proxy routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the fasthttp handler tree: the four format endpoints, the
// health probes, and optional management routes, wrapped in the middleware
// chain.
func (r *Relay) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	rt := router.New()

	// Every endpoint dispatches into the same pipeline; the wire format is
	// detected from the body, not the path.
	rt.POST("/v1/chat/completions", r.handleProxy)
	rt.POST("/v1/responses", r.handleProxy)
	rt.POST("/v1/messages", r.handleProxy)
	rt.POST("/v1beta/models/{path:*}", r.handleProxy)

	rt.GET("/health", r.handleHealth)
	rt.GET("/readiness", r.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		rt.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(rt.Handler,
		recovery,
		requestID,
		accessLog(r.log),
		timing,
		corsHandler(r.corsOrigins),
		securityHeaders,
	)
}

// Serve starts the HTTP server on addr (e.g. ":8080") and blocks.
func (r *Relay) Serve(addr string, mgmt *ManagementRoutes) error {
	srv := r.Server(mgmt)
	return srv.ListenAndServe(addr)
}

// Server returns a configured fasthttp.Server so the caller owns shutdown.
func (r *Relay) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler: r.Handler(mgmt),
		// Streams run long; only reads are bounded.
		ReadTimeout:        60 * time.Second,
		MaxRequestBodySize: 64 << 20,
		StreamRequestBody:  false,
	}
}

// providerHealth is one row of the /health payload.
type providerHealth struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Circuit  string `json:"circuit"`
	Failures int    `json:"failures"`
	Sessions int64  `json:"sessions"`
}

func (r *Relay) handleHealth(ctx *fasthttp.RequestCtx) {
	provs := r.repo.ListEnabled(ctx)
	out := struct {
		Status    string           `json:"status"`
		Providers []providerHealth `json:"providers"`
	}{Status: "ok", Providers: make([]providerHealth, 0, len(provs))}

	healthy := 0
	for _, p := range provs {
		state := r.breaker.StateLabel(p.ID)
		if state != "open" {
			healthy++
		}
		out.Providers = append(out.Providers, providerHealth{
			ID:       p.ID,
			Name:     p.Name,
			Type:     string(p.Type),
			Circuit:  state,
			Failures: r.breaker.FailureCount(p.ID),
			Sessions: r.tracker.Sessions(p.ID),
		})
	}
	if healthy == 0 && len(provs) > 0 {
		out.Status = "degraded"
	}
	writeJSON(ctx, out)
}

func (r *Relay) handleReadiness(ctx *fasthttp.RequestCtx) {
	if len(r.repo.ListEnabled(ctx)) == 0 {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
