package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/auralis-ai/voicerelay/pkg/providers"
)

// DB is the database interface used by [PostgresLedger]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresLedger is a [Ledger] backed by PostgreSQL. Debits ride a single
// UPDATE statement, so concurrent sessions for the same user serialize on
// the row and never produce a lost update or a negative balance.
type PostgresLedger struct {
	db DB

	// centsPerMinute prices minutes charged to paid credits once free
	// minutes run out.
	centsPerMinute int
}

// Compile-time interface check.
var _ Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger creates a ledger over an existing connection or pool.
// Schema setup is the caller's job via [Migrate]. A non-positive
// centsPerMinute disables paid-credit spill.
func NewPostgresLedger(db DB, centsPerMinute int) *PostgresLedger {
	if centsPerMinute < 0 {
		centsPerMinute = 0
	}
	return &PostgresLedger{db: db, centsPerMinute: centsPerMinute}
}

const balanceQuery = `
SELECT user_id, tier, free_minutes_remaining, paid_credits_cents, updated_at
FROM quota_balances
WHERE user_id = $1
`

func (l *PostgresLedger) Balance(ctx context.Context, userID string) (Balance, error) {
	var b Balance
	var tier string
	err := l.db.QueryRow(ctx, balanceQuery, userID).Scan(
		&b.UserID, &tier, &b.FreeMinutesRemaining, &b.PaidCreditsCents, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrNoBalance
	}
	if err != nil {
		return Balance{}, fmt.Errorf("quota: read balance: %w", err)
	}
	b.Tier = providers.Tier(tier)
	return b, nil
}

// All column references in SET read the pre-update row, so the paid-credit
// expression sees the original free_minutes_remaining. Unlimited balances
// (free_minutes_remaining < 0) pass through untouched.
const debitQuery = `
UPDATE quota_balances SET
    free_minutes_remaining = CASE
        WHEN free_minutes_remaining < 0 THEN free_minutes_remaining
        ELSE GREATEST(free_minutes_remaining - $2, 0)
    END,
    paid_credits_cents = CASE
        WHEN free_minutes_remaining < 0 THEN paid_credits_cents
        ELSE GREATEST(paid_credits_cents - GREATEST($2 - free_minutes_remaining, 0) * $3, 0)
    END,
    updated_at = now()
WHERE user_id = $1
`

func (l *PostgresLedger) Debit(ctx context.Context, userID string, minutes int) error {
	if minutes <= 0 {
		return nil
	}
	if _, err := l.db.Exec(ctx, debitQuery, userID, minutes, l.centsPerMinute); err != nil {
		return fmt.Errorf("quota: debit %d minutes for %q: %w", minutes, userID, err)
	}
	return nil
}

const appendUsageQuery = `
INSERT INTO usage_events (id, user_id, device_id, provider, tier, duration_seconds, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func (l *PostgresLedger) AppendUsage(ctx context.Context, ev UsageEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.Exec(ctx, appendUsageQuery,
		ev.ID, ev.UserID, ev.DeviceID, string(ev.Provider), string(ev.Tier), ev.DurationSeconds, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("quota: append usage event: %w", err)
	}
	return nil
}
