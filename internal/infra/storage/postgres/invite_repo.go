package postgres

import (
	"context"
	"fmt"
)

// InviteRepo implements storage.InviteRepository using PostgreSQL.
type InviteRepo struct {
	db *DB
}

// NewInviteRepo creates a new PostgreSQL invite repository.
func NewInviteRepo(db *DB) *InviteRepo {
	return &InviteRepo{db: db}
}

// RecordInvite stores a sent invitation; the first job wins.
func (r *InviteRepo) RecordInvite(ctx context.Context, userID, profileURL, jobID string) error {
	query := `
		INSERT INTO invites (user_id, profile_url, job_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, profile_url) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, userID, profileURL, jobID); err != nil {
		return fmt.Errorf("failed to record invite: %w", err)
	}
	return nil
}

// HasInvite reports whether the user already invited the profile.
func (r *InviteRepo) HasInvite(ctx context.Context, userID, profileURL string) (bool, error) {
	var ok bool
	query := `SELECT EXISTS (SELECT 1 FROM invites WHERE user_id = $1 AND profile_url = $2)`
	if err := r.db.GetContext(ctx, &ok, query, userID, profileURL); err != nil {
		return false, fmt.Errorf("failed to check invite: %w", err)
	}
	return ok, nil
}
