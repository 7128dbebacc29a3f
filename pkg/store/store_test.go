package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), testSecret)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndAuthenticateUser(t *testing.T) {
	s := openTestStore(t)

	u, err := s.CreateUser("alice", "s3cret", RoleAdmin)
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, RoleAdmin, u.Role)

	got, err := s.Authenticate("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	// Unknown user yields the same error as a wrong password.
	_, err = s.Authenticate("nobody", "s3cret")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestCreateUserDuplicate(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateUser("alice", "pw1", RoleUser)
	require.NoError(t, err)
	_, err = s.CreateUser("alice", "pw2", RoleUser)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestCreateUserRejectsBadRole(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateUser("bob", "pw", Role("root"))
	assert.Error(t, err)
}

func TestEnsureSuperAdminIdempotent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.EnsureSuperAdmin("super", "initial"))
	// A second call must not reset the password.
	require.NoError(t, s.EnsureSuperAdmin("super", "changed"))

	_, err := s.Authenticate("super", "initial")
	assert.NoError(t, err)
	u, err := s.GetUserByUsername("super")
	require.NoError(t, err)
	assert.Equal(t, RoleSuperAdmin, u.Role)
}

func TestUpdateUserPasswordAndRole(t *testing.T) {
	s := openTestStore(t)

	u, err := s.CreateUser("carol", "old", RoleUser)
	require.NoError(t, err)

	require.NoError(t, s.UpdateUserPassword(u.ID, "new"))
	_, err = s.Authenticate("carol", "old")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = s.Authenticate("carol", "new")
	assert.NoError(t, err)

	require.NoError(t, s.UpdateUserRole(u.ID, RoleAdmin))
	got, err := s.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, got.Role)

	assert.ErrorIs(t, s.UpdateUserRole("missing", RoleAdmin), ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)

	u, err := s.CreateUser("dave", "pw", RoleUser)
	require.NoError(t, err)

	sess, err := s.CreateSession(u.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.True(t, sess.ExpiresAt.After(sess.CreatedAt))

	got, user, err := s.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, u.ID, user.ID)

	require.NoError(t, s.DeleteSession(sess.ID))
	_, _, err = s.GetSession(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSessionExpired(t *testing.T) {
	s := openTestStore(t)

	u, err := s.CreateUser("erin", "pw", RoleUser)
	require.NoError(t, err)
	sess, err := s.CreateSession(u.ID)
	require.NoError(t, err)

	// Force the expiry into the past.
	_, err = s.db.Exec(`UPDATE sessions SET expires_at = ? WHERE id = ?`, now().Add(-time.Hour), sess.ID)
	require.NoError(t, err)

	_, _, err = s.GetSession(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The expired row is gone.
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n))
	assert.Zero(t, n)
}

func TestCredentialActivationIsExclusive(t *testing.T) {
	s := openTestStore(t)

	a, err := s.CreateCredential("lab", "10.0.0.2", 22, "root", "adminpw")
	require.NoError(t, err)
	b, err := s.CreateCredential("field", "10.0.0.3", 2222, "root", "fieldpw")
	require.NoError(t, err)

	_, err = s.GetActiveCredential()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.ActivateCredential(a.ID))
	active, err := s.GetActiveCredential()
	require.NoError(t, err)
	assert.Equal(t, a.ID, active.ID)
	assert.Equal(t, "adminpw", active.Password)

	require.NoError(t, s.ActivateCredential(b.ID))
	active, err = s.GetActiveCredential()
	require.NoError(t, err)
	assert.Equal(t, b.ID, active.ID)
	assert.Equal(t, "fieldpw", active.Password)

	creds, err := s.ListCredentials()
	require.NoError(t, err)
	activeCount := 0
	for _, c := range creds {
		assert.Empty(t, c.Password)
		if c.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	assert.ErrorIs(t, s.ActivateCredential("missing"), ErrNotFound)
}

func TestCredentialPasswordSealedAtRest(t *testing.T) {
	s := openTestStore(t)

	c, err := s.CreateCredential("lab", "10.0.0.2", 22, "root", "topsecret")
	require.NoError(t, err)

	var sealed string
	require.NoError(t, s.db.QueryRow(
		`SELECT password_sealed FROM olt_credentials WHERE id = ?`, c.ID).Scan(&sealed))
	assert.NotContains(t, sealed, "topsecret")

	plain, err := s.sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "topsecret", plain)
}

func TestSealerRejectsShortSecret(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}

func TestSealerRoundTripAndTamper(t *testing.T) {
	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)

	sealed, err := sealer.Seal("hello")
	require.NoError(t, err)
	plain, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)

	// Two seals of the same value differ (random nonce).
	sealed2, err := sealer.Seal("hello")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)

	_, err = sealer.Open("AAAA" + sealed[4:])
	assert.Error(t, err)
}

func TestRoles(t *testing.T) {
	assert.True(t, RoleSuperAdmin.CanManageUsers())
	assert.True(t, RoleAdmin.CanConfigureOLT())
	assert.False(t, RoleUser.CanManageUsers())
	assert.False(t, RoleUser.CanConfigureOLT())
	assert.False(t, errors.Is(ErrNotFound, ErrDuplicate))
}
