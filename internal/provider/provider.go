// Package provider defines the upstream provider record, the repository
// interface the proxy consumes, and the static model-routing table that maps
// inbound model names to compatible provider types.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/format"
)

// Type is the native wire family an upstream speaks.
type Type string

const (
	TypeClaude    Type = "claude"
	TypeOpenAI    Type = "openai-compatible"
	TypeCodex     Type = "codex"
	TypeGeminiCLI Type = "gemini-cli"
)

// Format returns the wire format a provider of this type expects.
func (t Type) Format() format.Format {
	switch t {
	case TypeClaude:
		return format.Claude
	case TypeCodex:
		return format.Codex
	case TypeGeminiCLI:
		return format.GeminiCLI
	default:
		return format.OpenAI
	}
}

// Provider is an upstream LLM endpoint with its credentials and policies.
// Records are read-mostly; the repository owns their lifecycle.
type Provider struct {
	ID   int64
	Name string
	URL  string // base URL, no trailing slash
	Key  string // outbound credential
	Type Type

	Enabled  bool
	Weight   int // selection bias within a priority band; 0 = drain
	Priority int // lower number wins
	Group    string

	// CostPerMtok is USD per million tokens, used for budget accounting.
	// Zero means "unknown"; the price book is consulted as a fallback.
	CostPerMtok float64

	// Rolling-window USD budgets. Zero disables the corresponding ceiling.
	Limit5hUSD      float64
	LimitWeeklyUSD  float64
	LimitMonthlyUSD float64

	// LimitConcurrentSessions caps simultaneously dispatched sessions.
	LimitConcurrentSessions int

	// Window ceilings. Zero disables the corresponding ceiling.
	TPM int // tokens per minute
	RPM int // requests per minute
	RPD int // requests per day
	CC  int // hard concurrent-call cap

	// Redirects rewrites the request model in place before translation,
	// e.g. {"gpt-4o": "gpt-5-codex"}.
	Redirects map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Alive reports whether the record itself is usable: enabled and not
// tombstoned. Circuit and quota checks are layered on top by the selector.
func (p *Provider) Alive() bool {
	return p != nil && p.Enabled && p.DeletedAt == nil
}

// Redirect returns the outbound model name for model, applying the
// per-provider redirect map when it contains an entry.
func (p *Provider) Redirect(model string) string {
	if to, ok := p.Redirects[model]; ok && to != "" {
		return to
	}
	return model
}

// Repository is the persistence collaborator the core consumes. The proxy
// never writes provider records.
type Repository interface {
	ListEnabled(ctx context.Context) []*Provider
	ByID(ctx context.Context, id int64) *Provider
}

// StaticRepository serves a fixed provider set loaded from configuration.
type StaticRepository struct {
	byID  map[int64]*Provider
	order []*Provider
}

// NewStaticRepository builds a repository over the given records.
func NewStaticRepository(provs []*Provider) *StaticRepository {
	r := &StaticRepository{byID: make(map[int64]*Provider, len(provs))}
	for _, p := range provs {
		r.byID[p.ID] = p
		r.order = append(r.order, p)
	}
	return r
}

// ListEnabled returns all alive providers in declaration order.
func (r *StaticRepository) ListEnabled(_ context.Context) []*Provider {
	out := make([]*Provider, 0, len(r.order))
	for _, p := range r.order {
		if p.Alive() {
			out = append(out, p)
		}
	}
	return out
}

// ByID returns the record for id, tombstoned or not. Nil when unknown.
func (r *StaticRepository) ByID(_ context.Context, id int64) *Provider {
	return r.byID[id]
}

// routeFamily maps a model-name prefix to the provider types that can serve it.
type routeFamily struct {
	prefix string
	types  []Type
}

// routeFamilies is consulted first-match, so more specific prefixes come
// first. Models that match nothing may be served by any provider type.
var routeFamilies = []routeFamily{
	{"gpt-5-codex", []Type{TypeCodex, TypeOpenAI}},
	{"codex-", []Type{TypeCodex}},
	{"gpt-", []Type{TypeOpenAI, TypeCodex}},
	{"o1", []Type{TypeOpenAI}},
	{"o3", []Type{TypeOpenAI}},
	{"o4", []Type{TypeOpenAI}},
	{"claude-", []Type{TypeClaude}},
	{"gemini-", []Type{TypeGeminiCLI, TypeOpenAI}},
	{"gemma-", []Type{TypeGeminiCLI, TypeOpenAI}},
}

// TypesForModel returns the provider types compatible with model.
func TypesForModel(model string) []Type {
	for _, fam := range routeFamilies {
		if strings.HasPrefix(model, fam.prefix) {
			return fam.types
		}
	}
	return []Type{TypeClaude, TypeOpenAI, TypeCodex, TypeGeminiCLI}
}

// Serves reports whether a provider of type t may serve model.
func Serves(t Type, model string) bool {
	for _, ft := range TypesForModel(model) {
		if ft == t {
			return true
		}
	}
	return false
}
