package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/auralis-ai/voicerelay/pkg/providers"
)

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockDB implements DB, recording every statement it sees.
type mockDB struct {
	row      *mockRow
	execSQL  []string
	execArgs [][]any
	execErr  error
}

func (db *mockDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if db.row != nil {
		return db.row
	}
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func (db *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execSQL = append(db.execSQL, sql)
	db.execArgs = append(db.execArgs, args)
	return pgconn.CommandTag{}, db.execErr
}

func TestBalance_NoRowIsErrNoBalance(t *testing.T) {
	ledger := NewPostgresLedger(&mockDB{}, 10)
	_, err := ledger.Balance(context.Background(), "u1")
	if !errors.Is(err, ErrNoBalance) {
		t.Fatalf("err=%v, want ErrNoBalance", err)
	}
}

func TestBalance_ScansRow(t *testing.T) {
	now := time.Now()
	db := &mockDB{row: &mockRow{scanFunc: func(dest ...any) error {
		*dest[0].(*string) = "u1"
		*dest[1].(*string) = "premium"
		*dest[2].(*int) = 12
		*dest[3].(*int) = 250
		*dest[4].(*time.Time) = now
		return nil
	}}}
	ledger := NewPostgresLedger(db, 10)

	b, err := ledger.Balance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.UserID != "u1" || b.Tier != providers.TierPremium || b.FreeMinutesRemaining != 12 || b.PaidCreditsCents != 250 {
		t.Fatalf("balance=%+v", b)
	}
}

func TestDebit_PassesMinutesAndPrice(t *testing.T) {
	db := &mockDB{}
	ledger := NewPostgresLedger(db, 10)

	if err := ledger.Debit(context.Background(), "u1", 3); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if len(db.execArgs) != 1 {
		t.Fatalf("exec count=%d, want 1", len(db.execArgs))
	}
	args := db.execArgs[0]
	if args[0] != "u1" || args[1] != 3 || args[2] != 10 {
		t.Fatalf("args=%v", args)
	}
}

func TestDebit_NonPositiveMinutesIsNoop(t *testing.T) {
	db := &mockDB{}
	ledger := NewPostgresLedger(db, 10)

	if err := ledger.Debit(context.Background(), "u1", 0); err != nil {
		t.Fatalf("Debit(0): %v", err)
	}
	if len(db.execSQL) != 0 {
		t.Fatalf("exec count=%d, want 0", len(db.execSQL))
	}
}

func TestAppendUsage_FillsDefaults(t *testing.T) {
	db := &mockDB{}
	ledger := NewPostgresLedger(db, 10)

	err := ledger.AppendUsage(context.Background(), UsageEvent{
		UserID:          "u1",
		Provider:        providers.Gemini,
		Tier:            providers.TierFree,
		DurationSeconds: 125,
	})
	if err != nil {
		t.Fatalf("AppendUsage: %v", err)
	}
	args := db.execArgs[0]
	if args[0] == "" {
		t.Fatal("event id was not generated")
	}
	if args[1] != "u1" || args[3] != "gemini" || args[5] != 125 {
		t.Fatalf("args=%v", args)
	}
	if ts, ok := args[6].(time.Time); !ok || ts.IsZero() {
		t.Fatalf("created_at=%v", args[6])
	}
}

func TestExhausted(t *testing.T) {
	cases := []struct {
		name string
		b    Balance
		want bool
	}{
		{"both zero", Balance{}, true},
		{"free left", Balance{FreeMinutesRemaining: 1}, false},
		{"paid left", Balance{PaidCreditsCents: 50}, false},
		{"unlimited", Balance{FreeMinutesRemaining: UnlimitedMinutes}, false},
		{"negative paid only", Balance{PaidCreditsCents: -10}, true},
	}
	for _, tc := range cases {
		if got := tc.b.Exhausted(); got != tc.want {
			t.Fatalf("%s: Exhausted()=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMinutesForDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{0, 1},
		{time.Second, 1},
		{59 * time.Second, 1},
		{60 * time.Second, 1},
		{61 * time.Second, 2},
		{125 * time.Second, 3},
		{10 * time.Minute, 10},
	}
	for _, tc := range cases {
		if got := MinutesForDuration(tc.d); got != tc.want {
			t.Fatalf("MinutesForDuration(%v)=%d, want %d", tc.d, got, tc.want)
		}
	}
}
