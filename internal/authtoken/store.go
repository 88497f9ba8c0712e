// Package authtoken persists bearer tokens captured from tool
// responses, keyed by (external user, bot username), so later tool
// calls for the same pair can replay them. Tokens carry no expiry here;
// a tool signals staleness with a 401 and the next successful call
// replaces the token.
package authtoken

import (
	"context"
	"database/sql"
	"time"

	"vibetune/pkg/db"
)

type Store struct {
	h *db.Handle
}

func NewStore(h *db.Handle) *Store {
	return &Store{h: h}
}

// Get returns the stored token for the pair, or "" when none exists.
func (s *Store) Get(ctx context.Context, userID, botUsername string) (string, error) {
	var token string
	err := s.h.Read().QueryRowContext(ctx,
		`SELECT token FROM auth_tokens WHERE external_user_id = ? AND bot_username = ?`,
		userID, botUsername).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return token, err
}

// Upsert stores or replaces the token for the pair.
func (s *Store) Upsert(ctx context.Context, userID, botUsername, token string) error {
	ts := time.Now().Unix()
	_, err := s.h.Write().ExecContext(ctx,
		`INSERT INTO auth_tokens(external_user_id, bot_username, token, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(external_user_id, bot_username) DO UPDATE SET token = ?, updated_at = ?`,
		userID, botUsername, token, ts, token, ts)
	return err
}
