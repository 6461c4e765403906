package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "security.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestRevocationsPersist(t *testing.T) {
	s, path := openTemp(t)
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, s.SaveRevocation("b1", base.Add(time.Second)))
	require.NoError(t, s.SaveRevocation("a0", base))
	require.NoError(t, s.SaveRevocation("a0", base), "duplicate revocation must be idempotent")
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	serials, err := reopened.Revocations()
	require.NoError(t, err)
	assert.Equal(t, []string{"a0", "b1"}, serials)
}

func TestBlacklistAddRemove(t *testing.T) {
	s, _ := openTemp(t)
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, s.SaveBlacklist("ATTACKER", "brute_force_attack", now))
	require.NoError(t, s.SaveBlacklist("FLOOD", "manual", now.Add(time.Minute)))

	peers, err := s.Blacklist()
	require.NoError(t, err)
	assert.Equal(t, []string{"ATTACKER", "FLOOD"}, peers)

	require.NoError(t, s.RemoveBlacklist("ATTACKER"))
	peers, err = s.Blacklist()
	require.NoError(t, err)
	assert.Equal(t, []string{"FLOOD"}, peers)
}

func TestClosedStore(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.SaveRevocation("x", time.Now()), ErrClosed)
	_, err := s.Blacklist()
	assert.ErrorIs(t, err, ErrClosed)
}
