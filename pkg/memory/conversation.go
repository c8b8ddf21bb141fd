package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"kasumi/pkg/store"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn half in a user's conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type session struct {
	messages   []Message
	lastActive time.Time
}

// Conversations keeps a bounded, ordered history per user. Redis is the
// primary backend (key conversation:<user_id> with a session TTL); an
// in-process map mirrors every write so history survives a Redis outage.
// The mirror may be stale relative to a recovered Redis, never empty-on-error.
type Conversations struct {
	store      *store.Store
	persona    string
	maxLen     int
	sessionTTL time.Duration
	idleAfter  time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	userMu   map[string]*sync.Mutex
	done     chan struct{}
}

func NewConversations(s *store.Store, persona string, maxLen int, sessionTTL, idleAfter time.Duration) *Conversations {
	c := &Conversations{
		store:      s,
		persona:    persona,
		maxLen:     maxLen,
		sessionTTL: sessionTTL,
		idleAfter:  idleAfter,
		sessions:   make(map[string]*session),
		userMu:     make(map[string]*sync.Mutex),
		done:       make(chan struct{}),
	}

	go c.sweepIdleSessions()

	return c
}

func (c *Conversations) Close() {
	close(c.done)
}

func (c *Conversations) key(userID string) string {
	if c.store != nil {
		return c.store.Key("conversation", userID)
	}
	return "conversation:" + userID
}

// lockUser serializes the read-modify-write of one user's history so two
// rapid messages cannot interleave loads and truncations.
func (c *Conversations) lockUser(userID string) func() {
	c.mu.Lock()
	mu, ok := c.userMu[userID]
	if !ok {
		mu = &sync.Mutex{}
		c.userMu[userID] = mu
	}
	c.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Append records one message and truncates the history to the most recent
// maxLen entries. Store errors are logged, never returned: the in-process
// mirror is always written.
func (c *Conversations) Append(ctx context.Context, userID, content string, isUser bool) {
	role := RoleAssistant
	if isUser {
		role = RoleUser
	}

	unlock := c.lockUser(userID)
	defer unlock()

	messages := c.load(ctx, userID)
	messages = append(messages, Message{Role: role, Content: content})
	if len(messages) > c.maxLen {
		messages = messages[len(messages)-c.maxLen:]
	}

	c.mu.Lock()
	c.sessions[userID] = &session{messages: messages, lastActive: time.Now()}
	c.mu.Unlock()

	if c.store != nil && c.store.Available() {
		if err := c.store.SetJSON(ctx, c.key(userID), messages, c.sessionTTL); err != nil {
			log.Printf("Error persisting conversation for user %s: %v", userID, err)
		}
	}
}

// History returns the user's ordered history, oldest first. Redis wins when
// reachable; otherwise the in-process mirror answers.
func (c *Conversations) History(ctx context.Context, userID string) []Message {
	return c.load(ctx, userID)
}

func (c *Conversations) load(ctx context.Context, userID string) []Message {
	if c.store != nil && c.store.Available() {
		var messages []Message
		if err := c.store.GetJSON(ctx, c.key(userID), &messages); err == nil {
			return messages
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[userID]; ok {
		out := make([]Message, len(s.messages))
		copy(out, s.messages)
		return out
	}
	return nil
}

// ContextText renders the history as alternating "User:" / "<persona>:"
// lines for prompt injection. Empty string means no history: callers omit
// the context block rather than treating it as an error.
func (c *Conversations) ContextText(ctx context.Context, userID string) string {
	messages := c.load(ctx, userID)
	if len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	for _, m := range messages {
		speaker := c.persona
		if m.Role == RoleUser {
			speaker = "User"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Clear drops the user's history from both backends.
func (c *Conversations) Clear(ctx context.Context, userID string) {
	unlock := c.lockUser(userID)
	defer unlock()

	c.mu.Lock()
	delete(c.sessions, userID)
	c.mu.Unlock()

	if c.store != nil && c.store.Available() {
		if err := c.store.Delete(ctx, c.key(userID)); err != nil {
			log.Printf("Error deleting conversation for user %s: %v", userID, err)
		}
	}
}

func (c *Conversations) sweepIdleSessions() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.sweepOnce()
	}
}

func (c *Conversations) sweepOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for userID, s := range c.sessions {
		if time.Since(s.lastActive) > c.idleAfter {
			log.Printf("User %s idle, dropping in-process conversation", userID)
			delete(c.sessions, userID)
		}
	}
}
