// Package ratelimit caps concurrent relay sessions per principal. It is
// in-memory and single-process; a multi-node deployment would move this into
// the shared store.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

type Config struct {
	// MaxSessionsPerPrincipal caps concurrently open relay sessions for one
	// principal; zero disables the cap.
	MaxSessionsPerPrincipal int
}

type Limiter struct {
	cfg Config

	mu     sync.Mutex
	counts map[string]int
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:    cfg,
		counts: make(map[string]int),
	}
}

// PrincipalKey derives a stable, non-reversible key from a user id.
func PrincipalKey(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return "u_" + hex.EncodeToString(sum[:16])
}

// Permit releases one acquired session slot. Release is idempotent.
type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed bool
	Permit  *Permit
}

// AcquireSession reserves a session slot for the principal.
func (l *Limiter) AcquireSession(principal string) Decision {
	if l == nil || l.cfg.MaxSessionsPerPrincipal <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	if principal == "" {
		principal = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counts[principal] >= l.cfg.MaxSessionsPerPrincipal {
		return Decision{Allowed: false}
	}
	l.counts[principal]++

	var once sync.Once
	return Decision{Allowed: true, Permit: &Permit{release: func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.counts[principal] <= 1 {
				delete(l.counts, principal)
			} else {
				l.counts[principal]--
			}
		})
	}}}
}

// Active returns the number of open sessions for a principal.
func (l *Limiter) Active(principal string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[principal]
}
