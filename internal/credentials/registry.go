package credentials

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

var errEmptySecretName = errors.New("secret name cannot be empty")

// Registry tracks which secret names exist in the keyring. The keyring
// itself cannot be enumerated, so names are mirrored into sqlite for
// `vibetune secret list`.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) Register(ctx context.Context, name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errEmptySecretName
	}

	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO secrets(name, created_at, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET updated_at = ?`,
		trimmed, now, now, now)
	return err
}

func (r *Registry) Unregister(ctx context.Context, name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errEmptySecretName
	}

	_, err := r.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, trimmed)
	return err
}

func (r *Registry) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
