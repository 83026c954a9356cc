// Package credential supplies bearer tokens to a connection manager.
package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sekretar/pkg/core"
)

// Source hands out the bearer token for the next connection attempt.
// An empty token or core.ErrNoCredentials means no connection should be attempted.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Rejecter is implemented by sources that can retire a token the server refused.
type Rejecter interface {
	Reject(token string)
}

// Static is a fixed token.
type Static string

// Token returns the token, or core.ErrNoCredentials when it is empty.
func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", core.ErrNoCredentials
	}
	return string(s), nil
}

// Func adapts a function to a Source.
type Func func(ctx context.Context) (string, error)

// Token calls f.
func (f Func) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Token is one entry of a Ring.
type Token struct {
	ID         string
	Value      string
	Disabled   bool
	LastUsed   time.Time
	ErrorCount int
}

func (t *Token) String() string {
	return fmt.Sprintf("Token{ID:%s, Value:%s}", t.ID, mask(t.Value))
}

func mask(v string) string {
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "****" + v[len(v)-4:]
}

// RotationStrategy selects when a Ring moves to its next token.
type RotationStrategy int

const (
	// RotationOnReject keeps the current token until the server rejects it.
	RotationOnReject RotationStrategy = iota
	// RotationRoundRobin moves to the next token on every request.
	RotationRoundRobin
)

// Ring rotates through several tokens, skipping disabled ones.
type Ring struct {
	mu       sync.Mutex
	tokens   []*Token
	current  int
	strategy RotationStrategy
	logger   zerolog.Logger
}

// NewRing creates a Ring holding copies of tokens.
func NewRing(tokens []*Token, strategy RotationStrategy) *Ring {
	copied := make([]*Token, 0, len(tokens))
	for _, t := range tokens {
		c := *t
		copied = append(copied, &c)
	}
	return &Ring{
		tokens:   copied,
		strategy: strategy,
		logger:   zerolog.Nop(),
	}
}

// SetLogger sets the logger.
func (r *Ring) SetLogger(logger zerolog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Token returns the current enabled token. It fails with core.ErrNoCredentials when every
// token is disabled.
func (r *Ring) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.currentLocked()
	if !ok {
		return "", core.ErrNoCredentials
	}
	t := r.tokens[idx]
	t.LastUsed = time.Now()
	r.current = idx
	if r.strategy == RotationRoundRobin {
		r.rotateLocked()
	}
	return t.Value, nil
}

// Current returns the token the next call to Token would return, or nil.
func (r *Ring) Current() *Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.currentLocked()
	if !ok {
		return nil
	}
	c := *r.tokens[idx]
	return &c
}

func (r *Ring) currentLocked() (int, bool) {
	for i := 0; i < len(r.tokens); i++ {
		idx := (r.current + i) % len(r.tokens)
		if !r.tokens[idx].Disabled {
			return idx, true
		}
	}
	return 0, false
}

// Rotate moves to the next enabled token.
func (r *Ring) Rotate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateLocked()
}

func (r *Ring) rotateLocked() {
	if len(r.tokens) == 0 {
		return
	}
	start := r.current
	for {
		r.current = (r.current + 1) % len(r.tokens)
		if !r.tokens[r.current].Disabled || r.current == start {
			return
		}
	}
}

// Reject disables the token with the given value and moves on to the next one.
func (r *Ring) Reject(value string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, t := range r.tokens {
		if t.Value != value {
			continue
		}
		t.ErrorCount++
		t.Disabled = true
		r.logger.Warn().Str("token", t.String()).Msg("token rejected, disabling")
		if i == r.current {
			r.rotateLocked()
		}
		return
	}
}

// Disable marks the token with id as unusable.
func (r *Ring) Disable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.ID == id {
			t.Disabled = true
			return
		}
	}
}

// Enable makes the token with id usable again and clears its error count.
func (r *Ring) Enable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.ID == id {
			t.Disabled = false
			t.ErrorCount = 0
			return
		}
	}
}

// Add appends a token unless one with the same id exists.
func (r *Ring) Add(t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tokens {
		if existing.ID == t.ID {
			return
		}
	}
	r.tokens = append(r.tokens, &Token{ID: t.ID, Value: t.Value})
}

// Remove deletes the token with id.
func (r *Ring) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tokens {
		if t.ID == id {
			r.tokens = append(r.tokens[:i], r.tokens[i+1:]...)
			if r.current >= len(r.tokens) {
				r.current = 0
			}
			return
		}
	}
}

// Len returns the number of tokens, enabled or not.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
