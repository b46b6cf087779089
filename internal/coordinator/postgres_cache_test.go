package coordinator

import (
	"testing"
	"time"
)

// Exercises the in-memory negative cache in isolation from the database,
// since the rest of Postgres's methods require a live connection that the
// pack gives no precedent for mocking.

func TestPostgres_CachedExhaustedRespectsTTL(t *testing.T) {
	p := &Postgres{cache: map[string]acquireCacheEntry{}}

	if p.cachedExhausted("a") {
		t.Fatal("expected no cache entry to mean not exhausted")
	}

	p.markExhausted("a")
	if !p.cachedExhausted("a") {
		t.Fatal("expected markExhausted to be observed immediately")
	}

	p.cache["a"] = acquireCacheEntry{exhausted: true, expiresAt: time.Now().Add(-time.Second)}
	if p.cachedExhausted("a") {
		t.Fatal("expected an expired cache entry to no longer report exhausted")
	}
}

func TestPostgres_CachedExhaustedIsPerModel(t *testing.T) {
	p := &Postgres{cache: map[string]acquireCacheEntry{}}
	p.markExhausted("a")

	if p.cachedExhausted("b") {
		t.Fatal("expected the negative cache to be scoped per model")
	}
}
