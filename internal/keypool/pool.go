// Package keypool rotates interchangeable backend credentials and
// quarantines a credential for a cooldown window after a rate limit.
package keypool

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNoCredentials is returned by New when the pool would be empty.
var ErrNoCredentials = eris.New("keypool: no credentials configured")

// DefaultCooldown is how long a rate-limited credential is skipped.
const DefaultCooldown = 60 * time.Second

// Credential is a handle returned by Acquire. Secret is the raw key and
// must not be logged; ID is the masked form.
type Credential struct {
	Secret string
	ID     string
}

type credential struct {
	secret        string
	id            string
	failures      int
	cooldownUntil time.Time
}

func (c *credential) coolingAt(now time.Time) bool {
	return !c.cooldownUntil.IsZero() && now.Before(c.cooldownUntil)
}

// Pool is a rotating set of credentials. All selection and cooldown state is
// guarded by one mutex that is never held across I/O or sleeps.
type Pool struct {
	mu         sync.Mutex
	creds      []*credential
	current    int
	totalCalls int64
	rotations  int64

	cooldown   time.Duration
	classifier Classifier
	now        func() time.Time
	after      func(time.Duration) <-chan time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithCooldown sets the quarantine window after a rate limit.
func WithCooldown(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.cooldown = d
		}
	}
}

// WithClassifier overrides rate-limit classification.
func WithClassifier(c Classifier) Option {
	return func(p *Pool) {
		if c != nil {
			p.classifier = c
		}
	}
}

// WithClock injects the time source and timer used when every credential
// is cooling (for tests).
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
		if after != nil {
			p.after = after
		}
	}
}

// New builds a pool over secrets in the given order. Empty and duplicate
// secrets are dropped; if nothing remains it returns ErrNoCredentials.
func New(secrets []string, opts ...Option) (*Pool, error) {
	p := &Pool{
		cooldown:   DefaultCooldown,
		classifier: NewKeywordClassifier(),
		now:        time.Now,
		after:      time.After,
	}
	seen := make(map[string]bool, len(secrets))
	for _, s := range secrets {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		p.creds = append(p.creds, &credential{secret: s, id: Mask(s)})
	}
	if len(p.creds) == 0 {
		return nil, ErrNoCredentials
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Mask returns a log-safe identity for a secret.
func Mask(secret string) string {
	switch {
	case len(secret) > 16:
		return "***" + secret[len(secret)-8:]
	case len(secret) > 8:
		return "***" + secret[len(secret)-4:]
	default:
		return "***"
	}
}

// Size returns the number of credentials.
func (p *Pool) Size() int {
	return len(p.creds)
}

// Acquire returns the first credential not in cooldown, rotating past
// cooling ones. When every credential is cooling it waits until the
// earliest cooldown expires. It returns ctx.Err() if ctx ends first.
func (p *Pool) Acquire(ctx context.Context) (Credential, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Credential{}, err
		}

		cred, wait, ok := p.pick()
		if ok {
			return cred, nil
		}

		zap.L().Warn("keypool: all credentials cooling, waiting",
			zap.String("next", cred.ID),
			zap.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		case <-p.after(wait):
		}
	}
}

// pick selects a usable credential under the lock. If none is usable it
// points current at the earliest-expiring credential and returns the wait.
func (p *Pool) pick() (Credential, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.creds)
	for i := 0; i < n; i++ {
		c := p.creds[p.current]
		if !c.coolingAt(now) {
			return Credential{Secret: c.secret, ID: c.id}, 0, true
		}
		p.advance()
	}

	earliest := 0
	for i, c := range p.creds {
		if c.cooldownUntil.Before(p.creds[earliest].cooldownUntil) {
			earliest = i
		}
	}
	p.current = earliest
	c := p.creds[earliest]
	return Credential{ID: c.id}, c.cooldownUntil.Sub(now), false
}

func (p *Pool) advance() {
	p.current = (p.current + 1) % len(p.creds)
	p.rotations++
}

// Rotate advances to the next credential.
func (p *Pool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
}

// RecordCall counts one backend call against the pool.
func (p *Pool) RecordCall() {
	p.mu.Lock()
	p.totalCalls++
	p.mu.Unlock()
}

// MarkFailure records a failed call made with cred. If reason classifies as
// a rate limit the credential enters cooldown and, when it is still the
// current one, the pool rotates. It reports whether the failure was a rate
// limit. Unknown credentials are ignored.
func (p *Pool) MarkFailure(cred Credential, reason string) bool {
	rateLimited := p.classifier.IsRateLimit(reason)

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, c := range p.creds {
		if c.secret == cred.Secret {
			idx = i
			break
		}
	}
	if idx < 0 {
		return rateLimited
	}

	c := p.creds[idx]
	c.failures++
	if !rateLimited {
		return false
	}

	c.cooldownUntil = p.now().Add(p.cooldown)
	if p.current == idx {
		p.advance()
	}
	return true
}

// KeyStats describes one credential.
type KeyStats struct {
	ID                string        `json:"id"`
	Failures          int           `json:"failures"`
	CoolingDown       bool          `json:"cooling_down"`
	CooldownRemaining time.Duration `json:"cooldown_remaining_ns"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	TotalKeys     int        `json:"total_keys"`
	TotalCalls    int64      `json:"total_calls"`
	TotalSwitches int64      `json:"total_switches"`
	ActiveKey     string     `json:"active_key"`
	Available     int        `json:"available"`
	Keys          []KeyStats `json:"keys"`
}

// Stats returns a snapshot of counters and per-credential state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := Stats{
		TotalKeys:     len(p.creds),
		TotalCalls:    p.totalCalls,
		TotalSwitches: p.rotations,
		ActiveKey:     p.creds[p.current].id,
		Keys:          make([]KeyStats, len(p.creds)),
	}
	for i, c := range p.creds {
		ks := KeyStats{ID: c.id, Failures: c.failures}
		if c.coolingAt(now) {
			ks.CoolingDown = true
			ks.CooldownRemaining = c.cooldownUntil.Sub(now)
		} else {
			s.Available++
		}
		s.Keys[i] = ks
	}
	return s
}
