package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAllowsUntilLimit(t *testing.T) {
	l := New(Config{WindowMs: 60000, MaxRequests: 2, Enabled: true})
	defer l.Stop()

	r1 := l.Check("alice")
	assert.True(t, r1.Allowed)
	assert.Equal(t, 1, r1.Remaining)

	r2 := l.Check("alice")
	assert.True(t, r2.Allowed)
	assert.Equal(t, 0, r2.Remaining)

	r3 := l.Check("alice")
	assert.False(t, r3.Allowed)
	assert.Equal(t, 0, r3.Remaining)
	assert.Greater(t, r3.RetryAfterSeconds, 0)
}

func TestCheckIsolatesKeys(t *testing.T) {
	l := New(Config{WindowMs: 60000, MaxRequests: 1, Enabled: true})
	defer l.Stop()

	assert.True(t, l.Check("alice").Allowed)
	assert.True(t, l.Check("bob").Allowed)
	assert.False(t, l.Check("alice").Allowed)
}

func TestCheckResetsAfterWindow(t *testing.T) {
	l := New(Config{WindowMs: 20, MaxRequests: 1, Enabled: true})
	defer l.Stop()

	assert.True(t, l.Check("alice").Allowed)
	assert.False(t, l.Check("alice").Allowed)

	time.Sleep(30 * time.Millisecond)
	assert.True(t, l.Check("alice").Allowed)
}

func TestDisabledAlwaysAllows(t *testing.T) {
	l := New(Config{WindowMs: 60000, MaxRequests: 1, Enabled: false})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Check("alice").Allowed)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	l := New(Config{WindowMs: 60000, MaxRequests: 1, Enabled: true})
	defer l.Stop()

	p := l.Peek("alice")
	assert.True(t, p.Allowed)
	assert.Equal(t, 1, p.Remaining)

	assert.True(t, l.Check("alice").Allowed)
	assert.False(t, l.Peek("alice").Allowed)
}

func TestResetAndResetAll(t *testing.T) {
	l := New(Config{WindowMs: 60000, MaxRequests: 1, Enabled: true})
	defer l.Stop()

	l.Check("alice")
	l.Check("bob")

	l.Reset("alice")
	assert.True(t, l.Check("alice").Allowed)
	assert.False(t, l.Check("bob").Allowed)

	l.ResetAll()
	assert.True(t, l.Check("bob").Allowed)
}
