package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UserProfile is the durable per-user record: identity plus free-form facts
// accumulated across conversations.
type UserProfile struct {
	UserID      string
	DisplayName string
	About       string
	Facts       map[string]string
}

// Profile loads the profile and all facts for userID. An unknown user
// yields an empty profile, not an error.
func (s *Store) Profile(ctx context.Context, userID string) (UserProfile, error) {
	p := UserProfile{UserID: userID}

	const q = `SELECT display_name, about FROM user_profiles WHERE user_id = $1`
	err := s.pool.QueryRow(ctx, q, userID).Scan(&p.DisplayName, &p.About)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return UserProfile{}, fmt.Errorf("postgres: get profile: %w", err)
	}

	facts, err := s.Facts(ctx, userID)
	if err != nil {
		return UserProfile{}, err
	}
	p.Facts = facts
	return p, nil
}

// SetProfile upserts the identity fields of userID's profile.
func (s *Store) SetProfile(ctx context.Context, userID, displayName, about string) error {
	const q = `
		INSERT INTO user_profiles (user_id, display_name, about, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    display_name = EXCLUDED.display_name,
		    about        = EXCLUDED.about,
		    updated_at   = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, q, userID, displayName, about); err != nil {
		return fmt.Errorf("postgres: set profile: %w", err)
	}
	return nil
}

// Facts returns all stored facts for userID.
func (s *Store) Facts(ctx context.Context, userID string) (map[string]string, error) {
	const q = `SELECT key, value FROM user_facts WHERE user_id = $1`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get facts: %w", err)
	}
	defer rows.Close()

	facts := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("postgres: scan fact: %w", err)
		}
		facts[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read facts: %w", err)
	}
	return facts, nil
}

// SetFact upserts one fact for userID.
func (s *Store) SetFact(ctx context.Context, userID, key, value string) error {
	const q = `
		INSERT INTO user_facts (user_id, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key) DO UPDATE SET
		    value      = EXCLUDED.value,
		    updated_at = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, q, userID, key, value); err != nil {
		return fmt.Errorf("postgres: set fact: %w", err)
	}
	return nil
}

// CreateTask stores a to-do item for userID and returns its assigned ID.
// due may be zero for tasks without a deadline.
func (s *Store) CreateTask(ctx context.Context, userID, title, notes string, due time.Time) (int64, error) {
	const q = `
		INSERT INTO tasks (user_id, title, notes, due)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var duePtr *time.Time
	if !due.IsZero() {
		duePtr = &due
	}

	var id int64
	if err := s.pool.QueryRow(ctx, q, userID, title, notes, duePtr).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: create task: %w", err)
	}
	return id, nil
}
