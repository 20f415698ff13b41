package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Settings is a single-row table seeded by Migrate.
type Settings struct {
	MarqueeEnabled bool `json:"marqueeEnabled"`
}

func (d *DB) GetSettings(ctx context.Context) (Settings, error) {
	var s Settings
	err := d.Pool.QueryRow(ctx, `SELECT marquee_enabled FROM settings WHERE id=1`).Scan(&s.MarqueeEnabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	return s, nil
}

func (d *DB) SetMarqueeEnabled(ctx context.Context, enabled bool) (Settings, error) {
	tag, err := d.Pool.Exec(ctx, `UPDATE settings SET marquee_enabled=$1, updated_at=now() WHERE id=1`, enabled)
	if err != nil {
		return Settings{}, err
	}
	if tag.RowsAffected() == 0 {
		return Settings{}, ErrNotFound
	}
	return Settings{MarqueeEnabled: enabled}, nil
}
