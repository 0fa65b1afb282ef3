package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LoadSessionByKeyAndID performs the single auth+load join: hash the
// presented key, find its non-expired row and the owning account, and LEFT
// JOIN the session rows for the requested session id. The LEFT JOIN is
// load-bearing: a valid key with no session rows must still return the
// account's credit columns.
func (s *Store) LoadSessionByKeyAndID(ctx context.Context, plainKey, sessionID string) (*SessionLoad, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT a.id, a.token_remaining, a.topup_remaining, sess.kind, sess.data, sess.created_at
		FROM api_keys k
		JOIN accounts a ON a.id = k.account_id
		LEFT JOIN sessions sess ON sess.account_id = a.id AND sess.session_id = ?
		WHERE k.key_hash = ? AND (k.expires_at IS NULL OR k.expires_at > ?)`,
		sessionID, HashKey(plainKey), timeToStr(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	defer rows.Close()

	var load *SessionLoad
	for rows.Next() {
		var accountID string
		var tokenRemaining, topupRemaining int64
		var kind, data, created sql.NullString
		if err := rows.Scan(&accountID, &tokenRemaining, &topupRemaining, &kind, &data, &created); err != nil {
			return nil, err
		}
		if load == nil {
			load = &SessionLoad{
				AccountID:      accountID,
				TokenRemaining: tokenRemaining,
				TopupRemaining: topupRemaining,
			}
		}
		// NULL kind is the LEFT JOIN miss: account only, no session rows.
		if kind.Valid {
			load.Rows = append(load.Rows, SessionRow{
				AccountID: accountID,
				SessionID: sessionID,
				Kind:      kind.String,
				Data:      data.String,
				CreatedAt: strToTime(created.String),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if load == nil {
		return nil, ErrNotFound
	}
	return load, nil
}

// UpsertSession stores the session-update payload under kind SESSION,
// replacing any previous value.
func (s *Store) UpsertSession(ctx context.Context, accountID, sessionID, sessionData string) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO sessions (account_id, session_id, kind, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, session_id, kind) DO UPDATE SET data = excluded.data`,
		accountID, sessionID, KindSession, sessionData, timeToStr(time.Now().UTC()))
	return err
}

// AppendConversation upserts the CONV row, concatenating on conflict.
func (s *Store) AppendConversation(ctx context.Context, accountID, sessionID, conversationData string) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO sessions (account_id, session_id, kind, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, session_id, kind) DO UPDATE SET data = sessions.data || excluded.data`,
		accountID, sessionID, KindConv, conversationData, timeToStr(time.Now().UTC()))
	return err
}

// OverwriteConversation replaces the CONV row's data, used after
// summarization collapses the transcript.
func (s *Store) OverwriteConversation(ctx context.Context, accountID, sessionID, content string) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO sessions (account_id, session_id, kind, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, session_id, kind) DO UPDATE SET data = excluded.data`,
		accountID, sessionID, KindConv, content, timeToStr(time.Now().UTC()))
	return err
}
