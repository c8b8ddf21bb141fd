package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"kasumi/pkg/store"
)

const fallbackSize = 1000

type fallbackEntry struct {
	value   string
	expires time.Time
}

// ResponseCache memoizes short, context-free replies keyed by a content
// hash. Redis holds entries under cache:<hash> with a TTL; a small in-process
// LRU takes over when Redis is unreachable. Read and write failures are
// non-fatal: a broken cache is just a cache miss.
type ResponseCache struct {
	store    *store.Store
	ttl      time.Duration
	fallback *lru.Cache[string, fallbackEntry]
}

func New(s *store.Store, ttl time.Duration) *ResponseCache {
	fallback, err := lru.New[string, fallbackEntry](fallbackSize)
	if err != nil {
		// Only possible with a non-positive size
		log.Printf("Error creating LRU cache: %v", err)
		fallback, _ = lru.New[string, fallbackEntry](fallbackSize)
	}

	return &ResponseCache{
		store:    s,
		ttl:      ttl,
		fallback: fallback,
	}
}

// Key hashes the user and the lowercased message so the same user asking the
// same thing (case-insensitively) hits the same entry.
func Key(userID, text string) string {
	h := md5.New()
	h.Write([]byte(userID))
	h.Write([]byte(strings.ToLower(text)))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *ResponseCache) Get(ctx context.Context, userID, text string) (string, bool) {
	hash := Key(userID, text)

	if c.store != nil && c.store.Available() {
		value, err := c.store.Get(ctx, c.store.Key("cache", hash))
		if err == nil && value != "" {
			return value, true
		}
		return "", false
	}

	entry, ok := c.fallback.Get(hash)
	if !ok || time.Now().After(entry.expires) {
		return "", false
	}
	return entry.value, true
}

func (c *ResponseCache) Set(ctx context.Context, userID, text, value string) {
	hash := Key(userID, text)

	if c.store != nil && c.store.Available() {
		if err := c.store.Set(ctx, c.store.Key("cache", hash), value, c.ttl); err != nil {
			log.Printf("Error writing response cache: %v", err)
		}
		return
	}

	c.fallback.Add(hash, fallbackEntry{value: value, expires: time.Now().Add(c.ttl)})
}
