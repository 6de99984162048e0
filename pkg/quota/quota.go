// Package quota holds the per-user balance and usage accounting for relay
// sessions. The ledger is the only mutable state shared across sessions; its
// discipline is read-once at session start, debit-once at session end, with
// debits serialized per user inside the store.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/auralis-ai/voicerelay/pkg/providers"
)

// UnlimitedMinutes is the sentinel free-minute balance meaning the user is
// not minute-limited.
const UnlimitedMinutes = -1

// ErrNoBalance is returned by Ledger.Balance when no row exists for the
// user. Callers decide the policy for that case; the ledger does not.
var ErrNoBalance = errors.New("quota: no balance for user")

// Balance is one user's remaining quota, read once at session start.
type Balance struct {
	UserID               string
	Tier                 providers.Tier
	FreeMinutesRemaining int
	PaidCreditsCents     int
	UpdatedAt            time.Time
}

// Exhausted reports whether the balance can no longer fund a session.
func (b Balance) Exhausted() bool {
	if b.FreeMinutesRemaining == UnlimitedMinutes {
		return false
	}
	return b.FreeMinutesRemaining <= 0 && b.PaidCreditsCents <= 0
}

// UsageEvent is the append-only record of one finished session.
type UsageEvent struct {
	ID              string
	UserID          string
	DeviceID        string
	Provider        providers.ID
	Tier            providers.Tier
	DurationSeconds int
	CreatedAt       time.Time
}

// Ledger is the durable store of quota balances and usage events.
type Ledger interface {
	// Balance reads the user's current balance; ErrNoBalance when absent.
	Balance(ctx context.Context, userID string) (Balance, error)

	// Debit atomically subtracts minutes from the balance, free minutes
	// first, spilling into paid credits, clamped so neither field goes
	// negative. Debiting a user with no row is a no-op.
	Debit(ctx context.Context, userID string, minutes int) error

	// AppendUsage inserts one usage event. Events are never updated or
	// deleted.
	AppendUsage(ctx context.Context, ev UsageEvent) error
}

// MinutesForDuration converts a session's wall-clock duration into billable
// minutes: rounded up, never below one.
func MinutesForDuration(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	minutes := int((d + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
