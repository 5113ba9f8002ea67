// Package token issues the per-session client token.
//
// Every outgoing event and every upload request carries the token, so it must
// stay stable for the whole session. A Manager creates it lazily on first use
// and keeps it until Reset is called for a new session.
package token

import (
	"sync"

	"github.com/google/uuid"
)

// Generator produces new session tokens.
type Generator interface {
	Generate() string
}

// UUIDv4Generator generates random version 4 UUID tokens.
//
// Format: "9b2f6c1e-8a4d-4c3b-9f1e-2d7a5b6c8e90" (36 characters)
//
// Thread-safety: UUIDv4Generator is stateless and safe for concurrent use.
type UUIDv4Generator struct{}

// Generate creates a new random UUID and returns it as a hyphenated string.
func (UUIDv4Generator) Generate() string {
	return uuid.New().String()
}

// FixedGenerator returns predetermined tokens for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator that returns tokens in order.
//
// Example:
//
//	gen := NewFixedGenerator("tok-1", "tok-2")
//	gen.Generate() // "tok-1"
//	gen.Generate() // "tok-2"
//	gen.Generate() // panic: all tokens exhausted
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next predetermined token.
//
// Panics if all tokens have been consumed, which means the test reset the
// session more often than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.tokens) {
		panic("FixedGenerator: all tokens exhausted")
	}
	tok := g.tokens[g.idx]
	g.idx++
	return tok
}

// Manager caches the token for the current session.
type Manager struct {
	mu    sync.Mutex
	gen   Generator
	token string
}

// NewManager returns a Manager backed by gen. A nil gen uses UUIDv4Generator.
func NewManager(gen Generator) *Manager {
	if gen == nil {
		gen = UUIDv4Generator{}
	}
	return &Manager{gen: gen}
}

// Token returns the session token, creating it on first use.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		m.token = m.gen.Generate()
	}
	return m.token
}

// Reset forgets the cached token. The next Token call starts a new session.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
}
