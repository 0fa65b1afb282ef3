package sqlite

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// APIKeyPrefix marks every plaintext key this system issues.
const APIKeyPrefix = "rslive_v1_"

const maxLabelLen = 30

// HashKey returns the hex-encoded SHA-256 of a plaintext API key. Plaintext
// is never stored; every lookup goes through this.
func HashKey(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// CreateAccountParams carries the optional knobs of CreateAccount.
type CreateAccountParams struct {
	Email          string
	PlanName       string // defaults to "Free"
	TokenRemaining *int64 // defaults to the plan's token allowance
	TopupRemaining *int64 // defaults to 0
}

// CreateAccount inserts a new account row and returns it.
func (s *Store) CreateAccount(ctx context.Context, p CreateAccountParams) (*Account, error) {
	plan := p.PlanName
	if plan == "" {
		plan = "Free"
	}
	tokens := PlanTokens(plan)
	if p.TokenRemaining != nil {
		tokens = *p.TokenRemaining
	}
	var topup int64
	if p.TopupRemaining != nil {
		topup = *p.TopupRemaining
	}

	now := time.Now().UTC()
	acc := &Account{
		ID:             newID(),
		Email:          p.Email,
		PlanName:       plan,
		TokenRemaining: tokens,
		TopupRemaining: topup,
		Status:         1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO accounts (id, email, plan_name, token_remaining, topup_remaining, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		acc.ID, acc.Email, acc.PlanName, acc.TokenRemaining, acc.TopupRemaining,
		acc.Status, timeToStr(now), timeToStr(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return acc, nil
}

// GetAccount returns the account row or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, email, plan_name, token_remaining, topup_remaining, status, created_at, updated_at
		 FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetCredits returns token_remaining + topup_remaining, or zero when the
// account is missing.
func (s *Store) GetCredits(ctx context.Context, accountID string) (int64, error) {
	var credits int64
	err := s.read.QueryRowContext(ctx,
		`SELECT token_remaining + topup_remaining FROM accounts WHERE id = ?`, accountID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return credits, nil
}

// CreateAPIKey generates a fresh key for an account. The plaintext is
// returned exactly once, alongside the persisted row.
func (s *Store) CreateAPIKey(ctx context.Context, accountID, label string, expiresAt *time.Time) (*APIKey, string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plain := APIKeyPrefix + hex.EncodeToString(raw)

	if len(label) > maxLabelLen {
		label = label[:maxLabelLen]
	}

	now := time.Now().UTC()
	key := &APIKey{
		KeyHash:      HashKey(plain),
		AccountID:    accountID,
		KeyIndicator: plain[:5] + "..." + plain[len(plain)-5:],
		Label:        label,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, account_id, key_indicator, label, created_at, expires_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		key.KeyHash, key.AccountID, key.KeyIndicator, key.Label,
		timeToStr(now), timePtrToStr(expiresAt),
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert api key: %w", err)
	}
	return key, plain, nil
}

// ValidateAPIKey hashes the presented key and returns the row when the hash
// matches and the key has not expired. Missing or expired keys return
// ErrNotFound.
func (s *Store) ValidateAPIKey(ctx context.Context, plain string) (*APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT key_hash, account_id, key_indicator, label, created_at, expires_at, last_used_at
		 FROM api_keys
		 WHERE key_hash = ? AND (expires_at IS NULL OR expires_at > ?)`,
		HashKey(plain), timeToStr(time.Now().UTC()))
	return scanAPIKey(row)
}

// RevokeAPIKey expires a key immediately. Returns whether a row was affected.
func (s *Store) RevokeAPIKey(ctx context.Context, keyHash string) (bool, error) {
	res, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET expires_at = ? WHERE key_hash = ?`,
		timeToStr(time.Now().UTC()), keyHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchAPIKey records a successful use of the key. Best effort.
func (s *Store) TouchAPIKey(ctx context.Context, keyHash string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?`,
		timeToStr(time.Now().UTC()), keyHash)
	return err
}

func newID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var created, updated string
	err := row.Scan(&a.ID, &a.Email, &a.PlanName, &a.TokenRemaining, &a.TopupRemaining,
		&a.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = strToTime(created)
	a.UpdatedAt = strToTime(updated)
	return &a, nil
}

func scanAPIKey(row *sql.Row) (*APIKey, error) {
	var k APIKey
	var created string
	var expires, lastUsed sql.NullString
	err := row.Scan(&k.KeyHash, &k.AccountID, &k.KeyIndicator, &k.Label, &created, &expires, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	k.CreatedAt = strToTime(created)
	k.ExpiresAt = strToTimePtr(expires)
	k.LastUsedAt = strToTimePtr(lastUsed)
	return &k, nil
}

func timeToStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func timePtrToStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeToStr(*t)
}

func strToTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func strToTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := strToTime(s.String)
	return &t
}
