package proxy

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/format"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/stats"
	"github.com/nulpointcorp/llm-relay/internal/translate"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// Dispatcher writes a 2xx upstream response back to the client. Byte-exact
// pass-through when the formats match; incremental SSE re-encoding when they
// differ. Never buffers a whole stream. On every exit path it releases the
// upstream response, releases the provider's session slot, and publishes
// token counts to the usage tracker and the statistics sink.
type Dispatcher struct {
	tracker *usage.Tracker
	prices  *pricing.Book
	sink    stats.Sink
	metrics *metrics.Registry
	log     *slog.Logger
}

// NewDispatcher builds a Dispatcher. prices, sink, and metrics may be nil.
func NewDispatcher(tracker *usage.Tracker, prices *pricing.Book, sink stats.Sink, m *metrics.Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{tracker: tracker, prices: prices, sink: sink, metrics: m, log: log}
}

// Dispatch streams resp to the client and takes ownership of it. started is
// when the logical request began (for latency accounting).
func (d *Dispatcher) Dispatch(ctx *fasthttp.RequestCtx, session *Session, resp *fasthttp.Response, started time.Time) {
	upstreamCT := string(resp.Header.ContentType())
	streaming := strings.HasPrefix(upstreamCT, "text/event-stream")

	if streaming {
		d.dispatchStream(ctx, session, resp, upstreamCT, started)
		return
	}
	d.dispatchBuffered(ctx, session, resp, upstreamCT, started)
}

func (d *Dispatcher) dispatchBuffered(ctx *fasthttp.RequestCtx, session *Session, resp *fasthttp.Response, upstreamCT string, started time.Time) {
	defer fasthttp.ReleaseResponse(resp)

	body := resp.Body()
	if stream := resp.BodyStream(); stream != nil {
		body, _ = io.ReadAll(stream)
	}

	from := session.Provider.Type.Format()
	to := session.OriginalFormat
	u := usageFromBody(from, body)

	out := body
	contentType := upstreamCT
	if from != to {
		translated, err := translate.Response(from, to, session.Model, body)
		if err != nil {
			d.log.Warn("response_translation_degraded",
				slog.String("from", string(from)),
				slog.String("to", string(to)),
				slog.String("error", err.Error()),
			)
		} else {
			out = translated
			contentType = "application/json"
			if d.metrics != nil {
				d.metrics.RecordTranslation(string(from), string(to), "response")
			}
		}
	}

	ctx.SetStatusCode(resp.StatusCode())
	if contentType != "" {
		ctx.SetContentType(contentType)
	}
	ctx.SetBody(out)

	d.finalize(ctx, session, resp.StatusCode(), u, started)
}

func (d *Dispatcher) dispatchStream(ctx *fasthttp.RequestCtx, session *Session, resp *fasthttp.Response, upstreamCT string, started time.Time) {
	from := session.Provider.Type.Format()
	to := session.OriginalFormat
	status := resp.StatusCode()

	var upstream io.Reader
	if stream := resp.BodyStream(); stream != nil {
		upstream = stream
	} else {
		upstream = bytes.NewReader(resp.Body())
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType(upstreamCT)
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	// Re-encode only when both sides of the pair are translatable; anything
	// else falls back to byte pass-through so the client at least gets the
	// stream rather than a silently empty one.
	var enc translate.StreamEncoder
	if from != to && translate.StreamSupported(from, to) {
		enc = translate.NewStreamEncoder(to, session.Model, "resp_"+uuid.NewString())
	}
	if from != to {
		if enc == nil {
			d.log.Warn("stream_translation_unsupported",
				slog.String("from", string(from)),
				slog.String("to", string(to)),
			)
		} else if d.metrics != nil {
			d.metrics.RecordTranslation(string(from), string(to), "stream")
		}
	}

	// The stream writer runs after the handler returns; ownership of resp
	// and the session slot moves into the closure.
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var u translate.Usage
		defer func() {
			fasthttp.ReleaseResponse(resp)
			d.finalize(ctx, session, status, u, started)
		}()

		frames := bufio.NewReader(upstream)
		for {
			raw, data, err := readSSEFrame(frames)
			if len(raw) > 0 {
				if got, ok := translate.UsageFromFrame(from, data); ok {
					mergeUsage(&u, got)
				}

				if enc == nil {
					if _, werr := w.Write(raw); werr != nil {
						return
					}
				} else if len(data) > 0 && !bytes.Equal(data, doneSentinel) {
					for _, ev := range translate.DecodeFrame(from, data) {
						for _, frame := range enc.Encode(ev) {
							if _, werr := w.Write(frame); werr != nil {
								return
							}
						}
					}
				}
				if werr := w.Flush(); werr != nil {
					return
				}
			}
			if err != nil {
				break
			}
		}

		if enc != nil {
			for _, frame := range enc.Close() {
				if _, werr := w.Write(frame); werr != nil {
					return
				}
			}
			w.Flush()
		}
	})
}

var doneSentinel = []byte("[DONE]")

// readSSEFrame reads one SSE frame (through its blank-line terminator).
// raw is the frame verbatim; data is the joined payload of its data: lines.
// err is non-nil at stream end; a partial final frame is still returned.
func readSSEFrame(r *bufio.Reader) (raw, data []byte, err error) {
	var rawBuf, dataBuf bytes.Buffer
	for {
		line, rerr := r.ReadBytes('\n')
		if len(line) > 0 {
			rawBuf.Write(line)
			trimmed := bytes.TrimRight(line, "\r\n")
			if len(trimmed) == 0 {
				return rawBuf.Bytes(), dataBuf.Bytes(), rerr
			}
			if bytes.HasPrefix(trimmed, []byte("data:")) {
				payload := bytes.TrimPrefix(trimmed, []byte("data:"))
				payload = bytes.TrimPrefix(payload, []byte(" "))
				if dataBuf.Len() > 0 {
					dataBuf.WriteByte('\n')
				}
				dataBuf.Write(payload)
			}
		}
		if rerr != nil {
			return rawBuf.Bytes(), dataBuf.Bytes(), rerr
		}
	}
}

func mergeUsage(dst *translate.Usage, src translate.Usage) {
	if src.InputTokens > 0 {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens > 0 {
		dst.OutputTokens = src.OutputTokens
	}
}

// usageFromBody extracts token counts from a complete response body.
func usageFromBody(f format.Format, body []byte) translate.Usage {
	if u, ok := translate.UsageFromFrame(f, body); ok {
		return u
	}
	return translate.Usage{}
}

// finalize publishes accounting for the completed request and releases the
// provider's session slot.
func (d *Dispatcher) finalize(ctx *fasthttp.RequestCtx, session *Session, status int, u translate.Usage, started time.Time) {
	prov := session.Provider
	if prov == nil {
		return
	}
	defer d.tracker.ReleaseSession(prov.ID)

	total := u.InputTokens + u.OutputTokens
	var cost float64
	if d.prices != nil {
		cost = d.prices.Cost(session.Model, total, prov.CostPerMtok)
	}
	d.tracker.Record(prov.ID, total, cost)

	if d.metrics != nil {
		d.metrics.AddUsage(prov.Name, u.InputTokens, u.OutputTokens, cost)
	}
	if d.sink != nil {
		requestID, _ := ctx.UserValue("request_id").(string)
		d.sink.Record(stats.Record{
			RequestID:    requestID,
			User:         session.Principal.Name,
			Provider:     prov.Name,
			ProviderID:   prov.ID,
			Model:        session.Model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			CostUSD:      cost,
			LatencyMs:    time.Since(started).Milliseconds(),
			Status:       status,
			Outcome:      "success",
			Attempts:     len(session.Decisions()),
			CreatedAt:    time.Now(),
		})
	}
}
