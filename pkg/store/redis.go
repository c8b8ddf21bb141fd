package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const (
	connectTimeout = 5 * time.Second
	healthInterval = 15 * time.Second
)

// Store wraps the Redis connection shared by conversation memory, the
// response cache, the rate limiter and the key rotator. It never takes the
// process down: when Redis is unreachable the store reports unavailable and
// every dependent degrades to its in-process fallback.
type Store struct {
	client    *redis.Client
	prefix    string
	available atomic.Bool
	done      chan struct{}
}

// New connects to Redis at the given URL. A failed initial ping does not
// return an error; the store starts unavailable and a background loop keeps
// retrying so dependents can pick the connection back up when it recovers.
func New(url string, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = connectTimeout
	opts.ReadTimeout = connectTimeout
	opts.WriteTimeout = connectTimeout

	s := &Store{
		client: redis.NewClient(opts),
		prefix: prefix,
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		log.Printf("Redis unavailable at startup, running on in-process fallbacks: %v", err)
	} else {
		s.available.Store(true)
	}

	go s.healthLoop()

	return s, nil
}

// Available reports whether the last health check reached Redis. Dependents
// consult this before every Redis operation and fall back when it is false.
func (s *Store) Available() bool {
	return s.available.Load()
}

func (s *Store) healthLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		wait := healthInterval
		if !s.Available() {
			wait = bo.NextBackOff()
		} else {
			bo.Reset()
		}

		select {
		case <-s.done:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err := s.client.Ping(ctx).Err()
		cancel()

		was := s.available.Swap(err == nil)
		if err == nil && !was {
			log.Println("Redis connection recovered")
		} else if err != nil && was {
			log.Printf("Redis connection lost: %v", err)
		}
	}
}

func (s *Store) Key(parts ...string) string {
	if s.prefix == "" {
		return strings.Join(parts, ":")
	}
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key).Result()
}

func (s *Store) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *Store) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	result, err := s.client.Exists(ctx, key).Result()
	return result > 0, err
}

// Incr increments a counter and returns the new value together with the
// key's remaining TTL, pipelined so the pair reflects one round trip.
func (s *Store) Incr(ctx context.Context, key string) (int64, time.Duration, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return incr.Val(), ttl.Val(), nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.client.RPush(ctx, key, args...).Err()
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.client.LTrim(ctx, key, start, stop).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	close(s.done)
	return s.client.Close()
}
