package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rslive/gateway/internal/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), "test-encryption-key", logger.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// New already ran the migrations once; a second full run must skip all.
	results, err := NewMigrator(s.write, logger.Discard()).RunAll(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(results) != len(migrations) {
		t.Fatalf("got %d results, want %d", len(results), len(migrations))
	}
	for _, r := range results {
		if r.Status != StatusSkipped {
			t.Errorf("%s: status %s, want skipped", r.Name, r.Status)
		}
	}
}

func TestMigratorRollbackThenRerun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := NewMigrator(s.write, logger.Discard())

	if err := m.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	results, err := m.RunAll(ctx)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	for _, r := range results {
		if r.Status != StatusExecuted {
			t.Errorf("%s: status %s, want executed", r.Name, r.Status)
		}
	}
}

func TestPreconditionHelpers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		fn   func() (bool, error)
		want bool
	}{
		{"table exists", func() (bool, error) { return tableExists(ctx, s.write, "accounts") }, true},
		{"table missing", func() (bool, error) { return tableExists(ctx, s.write, "nope") }, false},
		{"column exists", func() (bool, error) { return columnExists(ctx, s.write, "accounts", "topup_remaining") }, true},
		{"column missing", func() (bool, error) { return columnExists(ctx, s.write, "accounts", "nope") }, false},
		{"index exists", func() (bool, error) { return indexExists(ctx, s.write, "idx_usage_metrics_account_time") }, true},
		{"trigger missing", func() (bool, error) { return triggerExists(ctx, s.write, "nope") }, false},
		{"table empty", func() (bool, error) { return tableIsEmpty(ctx, s.write, "accounts") }, true},
		{"row missing", func() (bool, error) {
			return rowExists(ctx, s.write, "SELECT 1 FROM accounts WHERE id = ?", "x")
		}, false},
	}
	for _, tc := range cases {
		got, err := tc.fn()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCreateAccountDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		plan       string
		wantTokens int64
	}{
		{"", 1000},
		{"Free", 1000},
		{"Pro", 50000},
		{"Enterprise", 500000},
		{"Mystery", 1000},
	}
	for i, tc := range cases {
		acc, err := s.CreateAccount(ctx, CreateAccountParams{
			Email:    strings.ToLower(tc.plan) + string(rune('a'+i)) + "@example.com",
			PlanName: tc.plan,
		})
		if err != nil {
			t.Fatalf("create %q: %v", tc.plan, err)
		}
		if acc.TokenRemaining != tc.wantTokens {
			t.Errorf("plan %q: tokens %d, want %d", tc.plan, acc.TokenRemaining, tc.wantTokens)
		}
		if acc.TopupRemaining != 0 || acc.Status != 1 {
			t.Errorf("plan %q: topup=%d status=%d", tc.plan, acc.TopupRemaining, acc.Status)
		}

		got, err := s.GetAccount(ctx, acc.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Email != acc.Email {
			t.Errorf("roundtrip email %q != %q", got.Email, acc.Email)
		}
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc, err := s.CreateAccount(ctx, CreateAccountParams{Email: "keys@example.com"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	longLabel := strings.Repeat("x", 50)
	key, plain, err := s.CreateAPIKey(ctx, acc.ID, longLabel, nil)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	if !strings.HasPrefix(plain, APIKeyPrefix) {
		t.Errorf("plaintext missing prefix: %q", plain)
	}
	if len(plain) != len(APIKeyPrefix)+48 {
		t.Errorf("plaintext length %d, want prefix+48 hex", len(plain))
	}
	if key.KeyHash != HashKey(plain) {
		t.Error("stored hash does not match plaintext hash")
	}
	if strings.Contains(key.KeyHash, APIKeyPrefix) {
		t.Error("hash appears to contain plaintext")
	}
	if len(key.Label) != maxLabelLen {
		t.Errorf("label not truncated: %d chars", len(key.Label))
	}
	wantIndicator := plain[:5] + "..." + plain[len(plain)-5:]
	if key.KeyIndicator != wantIndicator {
		t.Errorf("indicator %q, want %q", key.KeyIndicator, wantIndicator)
	}

	got, err := s.ValidateAPIKey(ctx, plain)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.AccountID != acc.ID {
		t.Errorf("validated key account %q, want %q", got.AccountID, acc.ID)
	}

	if _, err := s.ValidateAPIKey(ctx, plain+"tampered"); err != ErrNotFound {
		t.Errorf("tampered key: err = %v, want ErrNotFound", err)
	}

	affected, err := s.RevokeAPIKey(ctx, key.KeyHash)
	if err != nil || !affected {
		t.Fatalf("revoke: affected=%v err=%v", affected, err)
	}
	if _, err := s.ValidateAPIKey(ctx, plain); err != ErrNotFound {
		t.Errorf("revoked key still validates: %v", err)
	}

	affected, err = s.RevokeAPIKey(ctx, "no-such-hash")
	if err != nil || affected {
		t.Errorf("revoking unknown hash: affected=%v err=%v", affected, err)
	}
}

func TestExpiredKeyRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc, _ := s.CreateAccount(ctx, CreateAccountParams{Email: "exp@example.com"})
	past := time.Now().UTC().Add(-time.Hour)
	_, plain, err := s.CreateAPIKey(ctx, acc.ID, "old", &past)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ValidateAPIKey(ctx, plain); err != ErrNotFound {
		t.Errorf("expired key validated: %v", err)
	}

	future := time.Now().UTC().Add(time.Hour)
	_, plain2, _ := s.CreateAPIKey(ctx, acc.ID, "fresh", &future)
	if _, err := s.ValidateAPIKey(ctx, plain2); err != nil {
		t.Errorf("future-expiry key rejected: %v", err)
	}
}

func TestGetCreditsMissingAccount(t *testing.T) {
	s := newTestStore(t)
	credits, err := s.GetCredits(context.Background(), "ghost")
	if err != nil || credits != 0 {
		t.Fatalf("got credits=%d err=%v, want 0,nil", credits, err)
	}
}
