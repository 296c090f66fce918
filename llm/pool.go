package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"animeheal/metrics"
)

// ErrPoolCooling is returned when every usable member is in cooldown.
var ErrPoolCooling = errors.New("all oracle pool members are cooling down")

// ErrPoolExhausted is returned when the attempt budget ran out.
var ErrPoolExhausted = errors.New("oracle pool exhausted")

const (
	DefaultPoolAttempts = 3
	DefaultCooldown     = 60 * time.Second
)

// Pool is a set of interchangeable providers tried round-robin. A member that
// fails is skipped until its cooldown window ends. Calls never wait for a
// cooldown: if nothing is usable the call fails immediately.
type Pool struct {
	mu          sync.Mutex
	members     []Provider
	coolUntil   map[string]time.Time
	next        int
	maxAttempts int
	cooldown    time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithCooldown sets how long a failed member is skipped.
func WithCooldown(d time.Duration) PoolOption {
	return func(p *Pool) { p.cooldown = d }
}

// WithMaxAttempts bounds the members tried per call.
func WithMaxAttempts(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a pool over members, tried in the given order first.
func NewPool(members []Provider, opts ...PoolOption) *Pool {
	p := &Pool{
		members:     members,
		coolUntil:   make(map[string]time.Time),
		maxAttempts: DefaultPoolAttempts,
		cooldown:    DefaultCooldown,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Available returns true if any member is configured.
func (p *Pool) Available() bool {
	for _, m := range p.members {
		if m.Available() {
			return true
		}
	}
	return false
}

// Complete sends the prompt to the next usable member, failing over to the
// following ones on error.
func (p *Pool) Complete(ctx context.Context, system, prompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		member, err := p.pick()
		if err != nil {
			if lastErr != nil {
				return "", fmt.Errorf("%w: %w (last error: %v)", ErrPoolExhausted, err, lastErr)
			}
			return "", err
		}

		out, err := member.Complete(ctx, system, prompt)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		p.coolDown(member.Name())
		metrics.OracleFailures.WithLabelValues(member.Name()).Inc()
		p.logger.Warn("oracle call failed", "member", member.Name(), "attempt", attempt+1, "error", err)
		lastErr = fmt.Errorf("%s: %w", member.Name(), err)
	}

	return "", fmt.Errorf("%w after %d attempts: %w", ErrPoolExhausted, p.maxAttempts, lastErr)
}

// pick returns the next available member that is not cooling down and
// advances the round-robin cursor past it.
func (p *Pool) pick() (Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.members)
	now := p.now()
	anyAvailable := false

	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		m := p.members[idx]
		if !m.Available() {
			continue
		}
		anyAvailable = true
		if until, ok := p.coolUntil[m.Name()]; ok && now.Before(until) {
			continue
		}
		p.next = (idx + 1) % n
		return m, nil
	}

	if !anyAvailable {
		return nil, ErrNoProvider
	}
	return nil, ErrPoolCooling
}

func (p *Pool) coolDown(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coolUntil[name] = p.now().Add(p.cooldown)
}

// MemberStatus reports one member's state.
type MemberStatus struct {
	ProviderInfo
	CoolingUntil time.Time
}

// Status returns the state of every member.
func (p *Pool) Status() []MemberStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]MemberStatus, 0, len(p.members))
	for _, m := range p.members {
		st := MemberStatus{ProviderInfo: ProviderInfo{Name: m.Name(), Available: m.Available()}}
		if until, ok := p.coolUntil[m.Name()]; ok && now.Before(until) {
			st.CoolingUntil = until
		}
		out = append(out, st)
	}
	return out
}
