package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertUsage appends one usage event and applies the cascading credit
// deduction in a single transaction: drain topup_remaining to zero first,
// then subtract the remainder from token_remaining, which may go negative.
// Any failure rolls both writes back.
func (s *Store) InsertUsage(ctx context.Context, accountID, sessionID, provider string, inputTokens, outputTokens int64) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	var topup, tokens int64
	err = tx.QueryRowContext(ctx,
		`SELECT topup_remaining, token_remaining FROM accounts WHERE id = ?`, accountID).
		Scan(&topup, &tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("usage for unknown account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	total := inputTokens + outputTokens
	remaining := total
	if topup >= remaining {
		topup -= remaining
		remaining = 0
	} else {
		remaining -= topup
		topup = 0
	}
	if remaining > 0 {
		tokens -= remaining
	}

	now := timeToStr(time.Now().UTC())
	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_metrics (account_id, session_id, provider, input_tokens, output_tokens, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		accountID, sessionID, provider, inputTokens, outputTokens, total, now)
	if err != nil {
		return fmt.Errorf("insert usage row: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET topup_remaining = ?, token_remaining = ?, updated_at = ? WHERE id = ?`,
		topup, tokens, now, accountID)
	if err != nil {
		return fmt.Errorf("update balances: %w", err)
	}

	return tx.Commit()
}

// UsageForAccount returns the usage events for an account, newest first.
func (s *Store) UsageForAccount(ctx context.Context, accountID string, limit int) ([]UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, account_id, session_id, provider, input_tokens, output_tokens, total_tokens, created_at
		 FROM usage_metrics WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageEvent
	for rows.Next() {
		var e UsageEvent
		var created string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.SessionID, &e.Provider,
			&e.InputTokens, &e.OutputTokens, &e.TotalTokens, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = strToTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
