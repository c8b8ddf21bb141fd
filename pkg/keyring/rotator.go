package keyring

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"kasumi/pkg/store"
)

// Rotator remembers which provider API key the next rotation pass should
// start from. The index lives in Redis under api_key_index (no TTL) so it
// survives restarts; a local copy keeps rotation spreading load while Redis
// is down.
type Rotator struct {
	store *store.Store

	mu  sync.Mutex
	idx int
}

func New(s *store.Store) *Rotator {
	return &Rotator{store: s}
}

// StartIndex returns the persisted next-key index clamped to [0, n).
// Unset, unparseable or unreachable state defaults to the local copy.
func (r *Rotator) StartIndex(ctx context.Context, n int) int {
	if n <= 0 {
		return 0
	}

	if r.store != nil && r.store.Available() {
		value, err := r.store.Get(ctx, r.store.Key("api_key_index"))
		if err == nil {
			if idx, convErr := strconv.Atoi(value); convErr == nil {
				return ((idx % n) + n) % n
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return ((r.idx % n) + n) % n
}

// SetIndex records the index the next pass should start at. Called by the
// orchestrator only after a successful generation.
func (r *Rotator) SetIndex(ctx context.Context, idx int) {
	r.mu.Lock()
	r.idx = idx
	r.mu.Unlock()

	if r.store != nil && r.store.Available() {
		// No TTL: the index persists until overwritten.
		if err := r.store.Set(ctx, r.store.Key("api_key_index"), strconv.Itoa(idx), 0*time.Second); err != nil {
			log.Printf("Error persisting api key index: %v", err)
		}
	}
}
