// Package prefs persists per-user generation preferences.
package prefs

import (
	"context"
	"database/sql"
	"time"

	"vibetune/pkg/db"
)

// Preferences are the generation knobs a user can change with commands.
// An empty ModelID means the base model.
type Preferences struct {
	ModelID     string
	Temperature float64
	MaxTokens   int
}

type Store struct {
	h        *db.Handle
	defaults Preferences
}

func NewStore(h *db.Handle, defaults Preferences) *Store {
	return &Store{h: h, defaults: defaults}
}

// Get returns the user's preferences, falling back to the defaults for
// users that never changed anything.
func (s *Store) Get(ctx context.Context, userID string) (Preferences, error) {
	var (
		modelID     sql.NullString
		temperature sql.NullFloat64
		maxTokens   sql.NullInt64
	)
	err := s.h.Read().QueryRowContext(ctx,
		`SELECT model_id, temperature, max_tokens FROM user_preferences WHERE external_user_id = ?`,
		userID).Scan(&modelID, &temperature, &maxTokens)
	if err == sql.ErrNoRows {
		return s.defaults, nil
	}
	if err != nil {
		return s.defaults, err
	}

	p := s.defaults
	if modelID.Valid {
		p.ModelID = modelID.String
	}
	if temperature.Valid {
		p.Temperature = temperature.Float64
	}
	if maxTokens.Valid {
		p.MaxTokens = int(maxTokens.Int64)
	}
	return p, nil
}

// Set stores the full preference row for the user.
func (s *Store) Set(ctx context.Context, userID string, p Preferences) error {
	ts := time.Now().Unix()

	var modelID any
	if p.ModelID != "" {
		modelID = p.ModelID
	}

	_, err := s.h.Write().ExecContext(ctx,
		`INSERT INTO user_preferences(external_user_id, model_id, temperature, max_tokens, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(external_user_id) DO UPDATE SET
		   model_id = excluded.model_id,
		   temperature = excluded.temperature,
		   max_tokens = excluded.max_tokens,
		   updated_at = excluded.updated_at`,
		userID, modelID, p.Temperature, p.MaxTokens, ts)
	return err
}

// Defaults returns the process-wide default preferences.
func (s *Store) Defaults() Preferences { return s.defaults }
