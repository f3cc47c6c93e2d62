package tokens

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
)

func TestCreateAndValidate(t *testing.T) {
	m := New(time.Hour, 10)
	defer m.Shutdown()

	session, err := m.Create(database.Config{Host: "db"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)

	got, err := m.Validate(session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.Token, got.Token)
}

func TestValidateRejectsEmptyToken(t *testing.T) {
	m := New(time.Hour, 10)
	defer m.Shutdown()

	_, err := m.Validate("")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestValidateRejectsMissingToken(t *testing.T) {
	m := New(time.Hour, 10)
	defer m.Shutdown()

	_, err := m.Validate("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateEvictsExpiredToken(t *testing.T) {
	m := New(time.Hour, 10)
	defer m.Shutdown()

	var cleaned string
	m.SetCleanupCallback(func(token string) { cleaned = token })

	session, err := m.Create(database.Config{}, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = m.Validate(session.Token)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, session.Token, cleaned)

	_, err = m.Validate(session.Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTTLIsClampedToMaxAndMinimum(t *testing.T) {
	m := New(time.Hour, 10)
	defer m.Shutdown()

	s1, err := m.Create(database.Config{}, 999999*time.Hour)
	require.NoError(t, err)
	assert.LessOrEqual(t, s1.ExpiresAt.Sub(s1.CreatedAt), maxTTL+time.Second)

	s2, err := m.Create(database.Config{}, 500*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s2.ExpiresAt.Sub(s2.CreatedAt), time.Second)
}

func TestRevoke(t *testing.T) {
	m := New(time.Hour, 10)
	defer m.Shutdown()

	var cleaned string
	m.SetCleanupCallback(func(token string) { cleaned = token })

	session, err := m.Create(database.Config{}, 0)
	require.NoError(t, err)

	assert.True(t, m.Revoke(session.Token))
	assert.Equal(t, session.Token, cleaned)
	assert.False(t, m.Revoke(session.Token))
}

func TestAttachIsLastWriteWins(t *testing.T) {
	m := New(time.Hour, 10)
	defer m.Shutdown()

	session, err := m.Create(database.Config{}, 0)
	require.NoError(t, err)

	m.Attach(session.Token, "session-a")
	m.Attach(session.Token, "session-b")

	got, err := m.Validate(session.Token)
	require.NoError(t, err)
	assert.Equal(t, "session-b", got.MCPSessionID)
}

func TestAdmissionCapIsEnforcedAtomically(t *testing.T) {
	m := New(time.Hour, 5)
	defer m.Shutdown()

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(database.Config{}, 0); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successes)
	assert.Equal(t, 5, m.Stats().Total)
}

func TestShutdownInvokesCleanupForEveryToken(t *testing.T) {
	m := New(time.Hour, 10)

	var cleaned []string
	var mu sync.Mutex
	m.SetCleanupCallback(func(token string) {
		mu.Lock()
		cleaned = append(cleaned, token)
		mu.Unlock()
	})

	s1, _ := m.Create(database.Config{}, 0)
	s2, _ := m.Create(database.Config{}, 0)

	m.Shutdown()

	assert.ElementsMatch(t, []string{s1.Token, s2.Token}, cleaned)
	assert.Equal(t, 0, m.Stats().Total)
}

func TestStatsDistinguishesActiveAndExpired(t *testing.T) {
	m := New(time.Hour, 10)
	defer m.Shutdown()
	m.SetCleanupCallback(func(string) {})

	m.Create(database.Config{}, time.Hour)
	expiring, _ := m.Create(database.Config{}, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Expired)

	_ = expiring
}
