package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *SQLStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	ro := s.reader()
	var value string
	err := ro.QueryRowContext(ctx, ro.Rebind(`SELECT value FROM settings WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) SetSetting(ctx context.Context, key, value string) error {
	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), key, value, time.Now().UTC())
	return err
}
