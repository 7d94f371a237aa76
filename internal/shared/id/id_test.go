package id

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUnique(t *testing.T) {
	gen := NewGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := gen.GenerateString()
		require.Len(t, s, 26)
		require.False(t, seen[s], "duplicate ULID %s", s)
		seen[s] = true
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	for _, prefix := range []string{RequestPrefix, SessionPrefix, SubscriberPrefix} {
		id := gen.GenerateWithPrefix(prefix)
		assert.True(t, strings.HasPrefix(id, prefix+"_"), id)
		assert.True(t, IsValidPrefixed(id, prefix), id)
	}
}

func TestTypedIDs(t *testing.T) {
	assert.True(t, IsValidPrefixed(NewRequestID().String(), RequestPrefix))
	assert.True(t, IsValidPrefixed(NewSessionID().String(), SessionPrefix))
	assert.True(t, IsValidPrefixed(NewSubscriberID().String(), SubscriberPrefix))
	assert.False(t, IsValidPrefixed(NewRequestID().String(), SessionPrefix))
}

func TestSessionToken(t *testing.T) {
	a := NewSessionToken()
	b := NewSessionToken()

	assert.NotEqual(t, a.Value(), b.Value())
	assert.Len(t, a.Value(), 64)
	assert.NotContains(t, a.Value(), "-")
	assert.Equal(t, "[redacted]", a.String())
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	reqID := NewRequestID()

	ts, err := Timestamp(reqID.String())
	require.NoError(t, err)
	assert.True(t, ts.After(before))

	_, err = Timestamp("not-a-ulid")
	assert.Error(t, err)
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s := gen.GenerateString()
				mu.Lock()
				seen[s] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1600)
}
