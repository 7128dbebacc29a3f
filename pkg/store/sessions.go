package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionTTL is how long an API session stays valid.
const SessionTTL = 24 * time.Hour

// Session is an authenticated API session keyed by an opaque id.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateSession opens a session for the user.
func (s *Store) CreateSession(userID string) (*Session, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now(),
		ExpiresAt: now().Add(SessionTTL),
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns the session and its user if the session is still valid.
// Expired sessions are deleted on sight.
func (s *Store) GetSession(id string) (*Session, *User, error) {
	var sess Session
	err := s.db.QueryRow(
		`SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}

	if now().After(sess.ExpiresAt) {
		s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		return nil, nil, fmt.Errorf("session expired: %w", ErrNotFound)
	}

	user, err := s.GetUser(sess.UserID)
	if err != nil {
		return nil, nil, err
	}
	return &sess, user, nil
}

// DeleteSession logs a session out.
func (s *Store) DeleteSession(id string) error {
	return s.execOne(`DELETE FROM sessions WHERE id = ?`, id)
}

// PurgeExpiredSessions removes sessions past their expiry.
func (s *Store) PurgeExpiredSessions() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
