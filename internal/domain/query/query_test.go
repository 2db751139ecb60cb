package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "what does section 138 say", Normalize("  What   does Section 138 SAY "))
	assert.Equal(t, "", Normalize("   "))
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("What does Section 138 say?", map[string]string{"limit": "20", "engine": "hybrid"})
	b := Fingerprint("what   does section 138 say?", map[string]string{"engine": "hybrid", "limit": "20"})
	assert.Equal(t, a, b, "normalization and param order must not change the hash")
	assert.Len(t, a, 64)

	c := Fingerprint("What does Section 138 say?", map[string]string{"limit": "10"})
	assert.NotEqual(t, a, c)

	d := Fingerprint("a different query", nil)
	assert.NotEqual(t, a, d)
}

func TestIsStale(t *testing.T) {
	cachedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, IsStale(cachedAt, cachedAt.Add(-time.Hour)), "upload before snapshot is fresh")
	assert.False(t, IsStale(cachedAt, cachedAt), "equal instants are fresh")
	assert.True(t, IsStale(cachedAt, cachedAt.Add(time.Second)), "upload after snapshot is stale")

	tc := TimelineCache{CachedAt: cachedAt}
	assert.True(t, tc.IsStale(cachedAt.Add(time.Minute)))

	gc := EntityGraphCache{CachedAt: cachedAt}
	assert.False(t, gc.IsStale(cachedAt.Add(-time.Minute)))
}
