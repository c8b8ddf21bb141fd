package track

import (
	"log"
	"time"

	"kasumi/pkg/surreal"
)

// Turn is one analytics record per handled message.
type Turn struct {
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	Kind      string    `json:"kind"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// Tracker writes usage records off the request path. A nil Tracker is valid
// and records nothing, so analytics stays strictly optional.
type Tracker struct {
	client *surreal.Client
}

func New(client *surreal.Client) *Tracker {
	if client == nil {
		return nil
	}
	return &Tracker{client: client}
}

// RecordTurn persists the record on a detached goroutine with its own error
// boundary: logged on failure, never retried, never blocks or fails the
// reply that triggered it.
func (t *Tracker) RecordTurn(turn Turn) {
	if t == nil || t.client == nil {
		return
	}

	turn.CreatedAt = time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Recovered in analytics write: %v", r)
			}
		}()
		if _, err := t.client.Create("turn", turn); err != nil {
			log.Printf("Error recording turn analytics: %v", err)
		}
	}()
}
