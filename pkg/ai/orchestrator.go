package ai

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"kasumi/pkg/cache"
	"kasumi/pkg/gemini"
	"kasumi/pkg/keyring"
	"kasumi/pkg/memory"
	"kasumi/pkg/openrouter"
)

const (
	// Messages longer than this, or with any conversation context, never
	// touch the response cache: memoization is only safe for stateless,
	// context-free exchanges.
	maxCacheableLen = 50

	attemptTimeout = 45 * time.Second
)

// PrimaryClient is the first-choice backend. The API key is supplied per
// call so the orchestrator can rotate across the configured keys.
type PrimaryClient interface {
	Generate(ctx context.Context, apiKey string, req gemini.Request) (string, error)
}

// SecondaryClient is the fallback backend, tried once when every primary
// key is exhausted.
type SecondaryClient interface {
	Generate(ctx context.Context, req openrouter.Request) (string, error)
	Configured() bool
}

// Orchestrator runs the whole response pipeline for one user turn:
// conversation context, cache lookup, primary key rotation, secondary
// fallback, canned responses, history update. It is the error boundary -
// callers always get a Reply, never an error.
type Orchestrator struct {
	persona       string
	keys          []string
	primary       PrimaryClient
	secondary     SecondaryClient
	rotator       *keyring.Rotator
	conversations *memory.Conversations
	cache         *cache.ResponseCache
}

func NewOrchestrator(persona string, keys []string, primary PrimaryClient, secondary SecondaryClient, rotator *keyring.Rotator, conversations *memory.Conversations, responseCache *cache.ResponseCache) *Orchestrator {
	kept := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			kept = append(kept, k)
		}
	}
	return &Orchestrator{
		persona:       persona,
		keys:          kept,
		primary:       primary,
		secondary:     secondary,
		rotator:       rotator,
		conversations: conversations,
		cache:         responseCache,
	}
}

type turn struct {
	userID      string
	displayName string
	// promptLine is what the providers see as the user's message
	promptLine string
	// historyLine is what gets recorded as the user's turn
	historyLine string
	// cacheText keys the response cache; empty means never cache
	cacheText string
	imageData []byte
	imageMIME string
}

// Respond handles a plain or image-carrying message and always returns a
// reply: generated, cached, or one of the canned pools.
func (o *Orchestrator) Respond(ctx context.Context, userID, displayName, text string, imageData []byte, imageMIME string) Reply {
	t := turn{
		userID:      userID,
		displayName: displayName,
		promptLine:  text,
		historyLine: text,
		cacheText:   text,
		imageData:   imageData,
		imageMIME:   imageMIME,
	}

	if len(imageData) > 0 {
		// Multimodal replies are context-bound, never cached. The history
		// line lets later text-only turns reference "the image".
		t.cacheText = ""
		if text == "" {
			t.promptLine = "(sends an image)"
			t.historyLine = "[Image sent]"
		} else {
			t.historyLine = fmt.Sprintf("[Image: %s]", text)
		}
	}

	return o.run(ctx, t)
}

// RespondToPoll renders a poll into a synthetic prompt enumerating the
// options and records the exchange in history.
func (o *Orchestrator) RespondToPoll(ctx context.Context, userID, displayName, question string, options []string) Reply {
	var b strings.Builder
	fmt.Fprintf(&b, "%s shared a poll and wants your take.\nQuestion: %s\nOptions:\n", displayName, question)
	for i, opt := range options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	b.WriteString("Which would you pick, and why? Keep it short.")

	t := turn{
		userID:      userID,
		displayName: displayName,
		promptLine:  b.String(),
		historyLine: fmt.Sprintf("[Poll: %s] Options: %s", question, strings.Join(options, ", ")),
	}

	return o.run(ctx, t)
}

func (o *Orchestrator) run(ctx context.Context, t turn) Reply {
	contextText := o.conversations.ContextText(ctx, t.userID)

	// Short text-only messages consult the cache; an entry is only ever
	// written for turns that also had no conversation context, so a hit is
	// always a stateless exchange.
	short := t.cacheText != "" && utf8.RuneCountInString(t.cacheText) <= maxCacheableLen

	// A cache hit short-circuits everything, including the history append:
	// the original turn was already recorded when first generated.
	if short {
		if raw, ok := o.cache.Get(ctx, t.userID, t.cacheText); ok {
			return parseReply(raw)
		}
	}

	raw, attempted := o.generate(ctx, t, contextText)
	if raw == "" {
		if attempted {
			return Reply{Text: pickResponse(errorResponses)}
		}
		return Reply{Text: pickResponse(fallbackResponses)}
	}

	reply := parseReply(raw)

	o.conversations.Append(ctx, t.userID, t.historyLine, true)
	o.conversations.Append(ctx, t.userID, reply.Text, false)

	if short && contextText == "" {
		o.cache.Set(ctx, t.userID, t.cacheText, raw)
	}

	return reply
}

// generate walks the fallback chain: every primary key in round-robin order
// starting at the rotator's index, then one shot at the secondary. The
// second return value reports whether any live attempt was made - false
// means nothing is configured and the caller should use the fallback pool.
func (o *Orchestrator) generate(ctx context.Context, t turn, contextText string) (string, bool) {
	attempted := false

	if o.primary != nil && len(o.keys) > 0 {
		prompt := o.composePrompt(t, contextText)
		n := len(o.keys)
		start := o.rotator.StartIndex(ctx, n)

		for i := 0; i < n; i++ {
			idx := (start + i) % n
			attempted = true

			attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
			text, err := o.primary.Generate(attemptCtx, o.keys[idx], gemini.Request{
				Prompt:    prompt,
				ImageData: t.imageData,
				ImageMIME: t.imageMIME,
			})
			cancel()

			if err == nil && text != "" {
				o.rotator.SetIndex(ctx, (idx+1)%n)
				return text, true
			}
			log.Printf("Primary provider failed on key %d/%d: %v", idx+1, n, err)
		}
	}

	if o.secondary != nil && o.secondary.Configured() {
		attempted = true

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		text, err := o.secondary.Generate(attemptCtx, openrouter.Request{
			System:    personaPrompt(o.persona),
			History:   o.conversations.History(ctx, t.userID),
			UserText:  t.promptLine,
			ImageData: t.imageData,
			ImageMIME: t.imageMIME,
		})
		if err == nil && text != "" {
			return text, true
		}
		log.Printf("Secondary provider failed: %v", err)
	}

	return "", attempted
}

func (o *Orchestrator) composePrompt(t turn, contextText string) string {
	var b strings.Builder
	b.WriteString(personaPrompt(o.persona))
	if contextText != "" {
		b.WriteString("\n\nConversation so far:\n")
		b.WriteString(contextText)
	}
	fmt.Fprintf(&b, "\n\n%s: %s\n%s:", t.displayName, t.promptLine, o.persona)
	return b.String()
}
