package proxy

import (
	"github.com/nulpointcorp/llm-relay/internal/auth"
	"github.com/nulpointcorp/llm-relay/internal/format"
	"github.com/nulpointcorp/llm-relay/internal/provider"
)

// Decision is one entry of a session's decision chain: which provider was
// picked or dropped, why, and in what circuit state. The chain is the
// diagnostic trail for a single logical request.
type Decision struct {
	ProviderID   int64  `json:"provider_id"`
	Reason       string `json:"reason"`
	CircuitState string `json:"circuit_state"`
	Attempt      int    `json:"attempt"`
	Error        string `json:"error,omitempty"`
}

// Decision reasons.
const (
	ReasonSelected     = "selected"
	ReasonSticky       = "sticky"
	ReasonFailed       = "failed"
	ReasonNoCandidates = "no_candidates"
)

// Session is the per-request envelope. It is created by the handler, owned
// by it exclusively, and lives until the response is fully streamed. The
// forwarder mutates Model and Body in place (model redirection, translation).
type Session struct {
	// Model is the requested model name; model redirection rewrites it.
	Model string

	// Body is the request body in the client's wire format; translation
	// replaces it with the provider-format body per attempt.
	Body []byte

	Method    string
	Path      string
	Query     string
	UserAgent string

	// OriginalFormat is the client's wire format as detected at ingress.
	// The response must be returned in this format.
	OriginalFormat format.Format

	// Principal is the authenticated caller.
	Principal auth.Principal

	// SessionID is the client's sticky-session key; empty when absent.
	SessionID string

	// Provider is the currently assigned upstream, nil before first pick.
	Provider *provider.Provider

	// Stream mirrors the request's stream flag.
	Stream bool

	excluded  map[int64]struct{}
	decisions []Decision
}

// Exclude marks a provider as used up for this session; the selector will
// never return it again.
func (s *Session) Exclude(providerID int64) {
	if s.excluded == nil {
		s.excluded = make(map[int64]struct{})
	}
	s.excluded[providerID] = struct{}{}
}

// IsExcluded reports whether the provider has been excluded in this session.
func (s *Session) IsExcluded(providerID int64) bool {
	_, ok := s.excluded[providerID]
	return ok
}

// Excluded returns the ids excluded so far, in no particular order.
func (s *Session) Excluded() []int64 {
	ids := make([]int64, 0, len(s.excluded))
	for id := range s.excluded {
		ids = append(ids, id)
	}
	return ids
}

// PushDecision appends an entry to the decision chain.
func (s *Session) PushDecision(d Decision) {
	s.decisions = append(s.decisions, d)
}

// Decisions returns the decision chain in order.
func (s *Session) Decisions() []Decision {
	return s.decisions
}
