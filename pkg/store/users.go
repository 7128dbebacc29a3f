package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Role is a user's permission level.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleUser       Role = "user"
)

// Valid reports whether the role is one of the known levels.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleUser:
		return true
	}
	return false
}

// CanManageUsers reports whether the role may create, update or delete users.
func (r Role) CanManageUsers() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// CanConfigureOLT reports whether the role may bind, unbind, reboot and
// manage OLT credentials.
func (r Role) CanConfigureOLT() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// User is an API account. PasswordHash never leaves the store.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`

	passwordHash string
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint is violated.
var ErrDuplicate = errors.New("already exists")

// ErrBadCredentials is returned when authentication fails. Unknown user and
// wrong password are deliberately indistinguishable.
var ErrBadCredentials = errors.New("invalid username or password")

// CreateUser adds a user with a bcrypt-hashed password.
func (s *Store) CreateUser(username, password string, role Role) (*User, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		ID:        uuid.NewString(),
		Username:  username,
		Role:      role,
		CreatedAt: now(),
	}
	_, err = s.db.Exec(
		`INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, string(hash), string(u.Role), u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %q: %w", username, ErrDuplicate)
		}
		return nil, err
	}
	return u, nil
}

// EnsureSuperAdmin creates the bootstrap super_admin account if no user with
// the name exists yet. An existing account is left untouched.
func (s *Store) EnsureSuperAdmin(username, password string) error {
	_, err := s.GetUserByUsername(username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = s.CreateUser(username, password, RoleSuperAdmin)
	return err
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(id string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, username, password_hash, role, created_at FROM users WHERE id = ?`, id))
}

// GetUserByUsername returns the user with the given username.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`, username))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.passwordHash, &role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

// ListUsers returns all users ordered by username.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(
		`SELECT id, username, password_hash, role, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var role string
		if err := rows.Scan(&u.ID, &u.Username, &u.passwordHash, &role, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Role = Role(role)
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserPassword rehashes and stores a new password.
func (s *Store) UpdateUserPassword(id, password string) error {
	if password == "" {
		return errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.execOne(`UPDATE users SET password_hash = ? WHERE id = ?`, string(hash), id)
}

// UpdateUserRole changes a user's role.
func (s *Store) UpdateUserRole(id string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	return s.execOne(`UPDATE users SET role = ? WHERE id = ?`, string(role), id)
}

// DeleteUser removes a user and, via the foreign key, their sessions.
func (s *Store) DeleteUser(id string) error {
	return s.execOne(`DELETE FROM users WHERE id = ?`, id)
}

// Authenticate verifies the password and returns the user.
func (s *Store) Authenticate(username, password string) (*User, error) {
	u, err := s.GetUserByUsername(username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}
	return u, nil
}

func (s *Store) execOne(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the message.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
