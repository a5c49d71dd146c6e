package proxy

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/nulpointcorp/llm-relay/internal/provider"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
)

// Selector picks an upstream provider for a session. Candidates are
// filtered by route family, session exclusions, circuit state, and quota
// ceilings; the survivor set is narrowed to the best priority band and
// resolved by a weighted random draw, with sticky-session affinity
// short-circuiting the draw when the pinned provider is still eligible.
type Selector struct {
	repo    provider.Repository
	breaker *CircuitBreaker
	guard   *ratelimit.Guard
	sticky  *StickyMap
	log     *slog.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewSelector builds a Selector. guard and sticky may be nil; the
// corresponding filters are then skipped.
func NewSelector(repo provider.Repository, breaker *CircuitBreaker, guard *ratelimit.Guard, sticky *StickyMap, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		repo:    repo,
		breaker: breaker,
		guard:   guard,
		sticky:  sticky,
		log:     log,
		rand:    rand.New(rand.NewSource(rand.Int63())),
	}
}

// Seed re-seeds the internal RNG. Selection is deterministic for a fixed
// seed, eligible set, and weights.
func (s *Selector) Seed(seed int64) {
	s.randMu.Lock()
	s.rand = rand.New(rand.NewSource(seed))
	s.randMu.Unlock()
}

func (s *Selector) intn(n int) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rand.Intn(n)
}

// Pick returns an eligible provider for the session, or nil when none
// remains. The pick is recorded on the session's decision chain and, when
// the session carries a sticky key, pinned in the sticky map.
func (s *Selector) Pick(ctx context.Context, session *Session) *provider.Provider {
	attempt := len(session.Decisions()) + 1

	eligible := s.eligible(ctx, session)
	if len(eligible) == 0 {
		session.PushDecision(Decision{Reason: ReasonNoCandidates, Attempt: attempt})
		return nil
	}

	if pick := s.stickyPick(session, eligible); pick != nil {
		if s.breaker.Allow(pick.ID) {
			session.PushDecision(Decision{
				ProviderID:   pick.ID,
				Reason:       ReasonSticky,
				CircuitState: s.breaker.StateLabel(pick.ID),
				Attempt:      attempt,
			})
			return pick
		}
	}

	// The breaker may still refuse the pick (a half-open probe can be
	// claimed by a concurrent session between filter and draw); drop the
	// loser and redraw.
	for len(eligible) > 0 {
		band := bestPriorityBand(eligible)
		pick := s.draw(band)
		if !s.breaker.Allow(pick.ID) {
			eligible = without(eligible, pick.ID)
			continue
		}
		if s.sticky != nil {
			s.sticky.Assign(session.SessionID, pick.ID)
		}
		session.PushDecision(Decision{
			ProviderID:   pick.ID,
			Reason:       ReasonSelected,
			CircuitState: s.breaker.StateLabel(pick.ID),
			Attempt:      attempt,
		})
		return pick
	}

	session.PushDecision(Decision{Reason: ReasonNoCandidates, Attempt: attempt})
	return nil
}

func (s *Selector) eligible(ctx context.Context, session *Session) []*provider.Provider {
	var out []*provider.Provider
	for _, p := range s.repo.ListEnabled(ctx) {
		if !p.Alive() {
			continue
		}
		if !provider.Serves(p.Type, session.Model) {
			continue
		}
		// Group-bound keys only see providers tagged with their group.
		if g := session.Principal.Group; g != "" && p.Group != g {
			continue
		}
		if session.IsExcluded(p.ID) {
			continue
		}
		if !s.breaker.Ready(p.ID) {
			continue
		}
		if s.guard != nil && !s.guard.Eligible(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *Selector) stickyPick(session *Session, eligible []*provider.Provider) *provider.Provider {
	if s.sticky == nil || session.SessionID == "" {
		return nil
	}
	id, ok := s.sticky.Get(session.SessionID)
	if !ok {
		return nil
	}
	for _, p := range eligible {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// bestPriorityBand returns the subset sharing the lowest priority number.
func bestPriorityBand(provs []*provider.Provider) []*provider.Provider {
	best := provs[0].Priority
	for _, p := range provs[1:] {
		if p.Priority < best {
			best = p.Priority
		}
	}
	var band []*provider.Provider
	for _, p := range provs {
		if p.Priority == best {
			band = append(band, p)
		}
	}
	return band
}

// draw performs a weighted random draw over the band. Weight-zero providers
// are drained: they only participate, uniformly, when the whole band is
// weight-zero.
func (s *Selector) draw(band []*provider.Provider) *provider.Provider {
	total := 0
	for _, p := range band {
		total += p.Weight
	}
	if total == 0 {
		return band[s.intn(len(band))]
	}

	n := s.intn(total)
	for _, p := range band {
		if p.Weight == 0 {
			continue
		}
		n -= p.Weight
		if n < 0 {
			return p
		}
	}
	return band[len(band)-1]
}

func without(provs []*provider.Provider, id int64) []*provider.Provider {
	out := provs[:0]
	for _, p := range provs {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
