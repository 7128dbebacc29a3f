package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OltCredential is a stored SSH login for one OLT. The password is sealed at
// rest and only exposed through GetActiveCredential.
type OltCredential struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`

	// Password is only populated on GetActiveCredential.
	Password string `json:"-"`
}

// CreateCredential stores a new OLT login with the password sealed.
func (s *Store) CreateCredential(name, host string, port int, username, password string) (*OltCredential, error) {
	if name == "" || host == "" || username == "" || password == "" {
		return nil, errors.New("name, host, username and password are required")
	}
	if port == 0 {
		port = 22
	}

	sealed, err := s.sealer.Seal(password)
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}

	c := &OltCredential{
		ID:        uuid.NewString(),
		Name:      name,
		Host:      host,
		Port:      port,
		Username:  username,
		CreatedAt: now(),
	}
	_, err = s.db.Exec(
		`INSERT INTO olt_credentials (id, name, host, port, username, password_sealed, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		c.ID, c.Name, c.Host, c.Port, c.Username, sealed, c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCredentials returns all credentials without passwords.
func (s *Store) ListCredentials() ([]OltCredential, error) {
	rows, err := s.db.Query(
		`SELECT id, name, host, port, username, is_active, created_at
		 FROM olt_credentials ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []OltCredential
	for rows.Next() {
		var c OltCredential
		if err := rows.Scan(&c.ID, &c.Name, &c.Host, &c.Port, &c.Username, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// ActivateCredential marks one credential active and every other inactive,
// in a single transaction so at most one row is ever active.
func (s *Store) ActivateCredential(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE olt_credentials SET is_active = 0`); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE olt_credentials SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("credential: %w", ErrNotFound)
	}
	return tx.Commit()
}

// GetActiveCredential returns the active credential with its password
// unsealed, ready for dialing.
func (s *Store) GetActiveCredential() (*OltCredential, error) {
	var c OltCredential
	var sealed string
	err := s.db.QueryRow(
		`SELECT id, name, host, port, username, password_sealed, is_active, created_at
		 FROM olt_credentials WHERE is_active = 1`,
	).Scan(&c.ID, &c.Name, &c.Host, &c.Port, &c.Username, &sealed, &c.IsActive, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active credential: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	c.Password, err = s.sealer.Open(sealed)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CredentialUpdate carries the fields a PATCH may change; nil leaves the
// stored value alone.
type CredentialUpdate struct {
	Name     *string `json:"name,omitempty"`
	Host     *string `json:"host,omitempty"`
	Port     *int    `json:"port,omitempty"`
	Username *string `json:"username,omitempty"`
	Password *string `json:"password,omitempty"`
}

// UpdateCredential applies a partial update.
func (s *Store) UpdateCredential(id string, upd CredentialUpdate) error {
	set := make([]string, 0, 5)
	args := make([]any, 0, 6)
	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.Host != nil {
		add("host", *upd.Host)
	}
	if upd.Port != nil {
		add("port", *upd.Port)
	}
	if upd.Username != nil {
		add("username", *upd.Username)
	}
	if upd.Password != nil {
		sealed, err := s.sealer.Seal(*upd.Password)
		if err != nil {
			return fmt.Errorf("seal password: %w", err)
		}
		add("password_sealed", sealed)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	return s.execOne(`UPDATE olt_credentials SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
}

// DeleteCredential removes a stored credential.
func (s *Store) DeleteCredential(id string) error {
	return s.execOne(`DELETE FROM olt_credentials WHERE id = ?`, id)
}
