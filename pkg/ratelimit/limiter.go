package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"kasumi/pkg/store"
)

// Decision is the admission verdict for one incoming message.
type Decision int

const (
	// Admit lets the message through to generation.
	Admit Decision = iota
	// Suppress silently drops a burst message beyond the first per window.
	Suppress
	// Ban rejects because a hard ban is active (or was just triggered).
	Ban
)

// Limiter gates messages per (user, chat) with a two-tier policy: the first
// message in the window is admitted, the 2nd..limit-th are suppressed, and
// exceeding the limit triggers a hard ban. Redis keys message_count:<u>:<c>
// (windowed counter) and hard_rate_limit:<u>:<c> (ban marker) carry the
// state; an in-process timestamp list and ban map implement the identical
// policy when Redis is down.
type Limiter struct {
	store  *store.Store
	window time.Duration
	limit  int64
	banFor time.Duration

	now func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
	bans map[string]time.Time
	done chan struct{}
}

func New(s *store.Store, window time.Duration, limit int, banFor time.Duration) *Limiter {
	l := &Limiter{
		store:  s,
		window: window,
		limit:  int64(limit),
		banFor: banFor,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
		bans:   make(map[string]time.Time),
		done:   make(chan struct{}),
	}

	go l.sweepStaleState()

	return l
}

func (l *Limiter) Close() {
	close(l.done)
}

// Check runs the admission state machine for one message. It never returns
// an error: Redis trouble mid-check degrades to the in-process path.
func (l *Limiter) Check(ctx context.Context, userID, chatID string) Decision {
	if l.store != nil && l.store.Available() {
		decision, ok := l.checkRedis(ctx, userID, chatID)
		if ok {
			return decision
		}
	}
	return l.checkLocal(userID, chatID)
}

func (l *Limiter) checkRedis(ctx context.Context, userID, chatID string) (Decision, bool) {
	banKey := l.store.Key("hard_rate_limit", userID, chatID)
	countKey := l.store.Key("message_count", userID, chatID)

	banned, err := l.store.Exists(ctx, banKey)
	if err != nil {
		log.Printf("Rate limiter falling back to in-process state: %v", err)
		return 0, false
	}
	if banned {
		return Ban, true
	}

	count, ttl, err := l.store.Incr(ctx, countKey)
	if err != nil {
		log.Printf("Rate limiter falling back to in-process state: %v", err)
		return 0, false
	}
	if ttl < 0 {
		if err := l.store.Expire(ctx, countKey, l.window); err != nil {
			log.Printf("Error setting rate window expiry: %v", err)
		}
	}

	switch {
	case count > l.limit:
		if err := l.store.Set(ctx, banKey, "1", l.banFor); err != nil {
			log.Printf("Error setting hard ban: %v", err)
		}
		return Ban, true
	case count > 1:
		return Suppress, true
	default:
		return Admit, true
	}
}

func (l *Limiter) checkLocal(userID, chatID string) Decision {
	key := userID + ":" + chatID
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.bans[key]; ok {
		if now.Before(until) {
			return Ban
		}
		delete(l.bans, key)
	}

	hits := l.hits[key]
	kept := hits[:0]
	for _, ts := range hits {
		if now.Sub(ts) < l.window {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	l.hits[key] = kept

	count := int64(len(kept))
	switch {
	case count > l.limit:
		l.bans[key] = now.Add(l.banFor)
		delete(l.hits, key)
		return Ban
	case count > 1:
		return Suppress
	default:
		return Admit
	}
}

// Redis expires its own keys; the in-process maps need the same treatment or
// they grow for the length of an outage. Keys that never check in again are
// dropped here.
func (l *Limiter) sweepStaleState() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}

		l.sweepOnce()
	}
}

func (l *Limiter) sweepOnce() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, until := range l.bans {
		if !now.Before(until) {
			delete(l.bans, key)
		}
	}
	for key, hits := range l.hits {
		live := false
		for _, ts := range hits {
			if now.Sub(ts) < l.window {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, key)
		}
	}
}
