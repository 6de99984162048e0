package lifecycle

import "sync/atomic"

// Lifecycle is the process lifecycle state shared across handlers: once the
// relay starts draining, new sessions are refused and readiness goes false
// while open sessions finish.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
