package access

import (
	"strings"
	"sync"
)

// Gate decides whether an owner identity may interact with the assistant.
// Identities are compared after normalization so that "+57 300 111 2233"
// and "573001112233" refer to the same owner.
type Gate struct {
	mu      sync.RWMutex
	allowed map[string]bool
}

func NewGate(owners []string) *Gate {
	g := &Gate{allowed: make(map[string]bool)}
	for _, o := range owners {
		if n := Normalize(o); n != "" {
			g.allowed[n] = true
		}
	}
	return g
}

// Allowed reports whether the identity is on the allowlist. An empty
// allowlist denies everyone.
func (g *Gate) Allowed(identity string) bool {
	n := Normalize(identity)
	if n == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.allowed[n]
}

// Replace swaps the allowlist, used when config is updated at runtime.
func (g *Gate) Replace(owners []string) {
	next := make(map[string]bool)
	for _, o := range owners {
		if n := Normalize(o); n != "" {
			next[n] = true
		}
	}
	g.mu.Lock()
	g.allowed = next
	g.mu.Unlock()
}

// Normalize strips everything but digits from a phone-style identity.
func Normalize(identity string) string {
	var b strings.Builder
	for _, r := range identity {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
