// Package pricing resolves model names to USD-per-million-token rates for
// budget accounting. Rates come from configuration; the relay only reads.
package pricing

import (
	"strings"
	"sync"
)

// Book maps model names to USD per million tokens. Lookup tries an exact
// match first, then the longest matching prefix, so one "claude-" entry can
// price a whole family. Safe for concurrent use.
type Book struct {
	mu    sync.RWMutex
	rates map[string]float64
}

// NewBook builds a price book from configured rates.
func NewBook(rates map[string]float64) *Book {
	b := &Book{}
	b.Reload(rates)
	return b
}

// Reload replaces all rates.
func (b *Book) Reload(rates map[string]float64) {
	table := make(map[string]float64, len(rates))
	for k, v := range rates {
		table[k] = v
	}
	b.mu.Lock()
	b.rates = table
	b.mu.Unlock()
}

// Lookup returns the USD-per-million-token rate for model.
func (b *Book) Lookup(model string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if rate, ok := b.rates[model]; ok {
		return rate, true
	}

	bestLen := 0
	var best float64
	for prefix, rate := range b.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = rate
		}
	}
	if bestLen == 0 {
		return 0, false
	}
	return best, true
}

// Cost prices a token count. providerRate (the per-provider override) wins
// over the book; an unknown model costs zero.
func (b *Book) Cost(model string, tokens int64, providerRate float64) float64 {
	rate := providerRate
	if rate == 0 {
		if r, ok := b.Lookup(model); ok {
			rate = r
		}
	}
	return float64(tokens) * rate / 1e6
}
