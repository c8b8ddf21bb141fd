package bot

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"kasumi/pkg/ai"
	"kasumi/pkg/ratelimit"
	"kasumi/pkg/track"
)

// Session abstracts discordgo.Session for testing
type Session interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) (err error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
}

// DiscordSession adapts discordgo.Session to the Session interface
type DiscordSession struct {
	*discordgo.Session
}

func (s *DiscordSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	return s.Session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

// Orchestrator is the response pipeline behind the handler.
type Orchestrator interface {
	Respond(ctx context.Context, userID, displayName, text string, imageData []byte, imageMIME string) ai.Reply
	RespondToPoll(ctx context.Context, userID, displayName, question string, options []string) ai.Reply
}

// Resetter clears a user's conversation state (the /reset command).
type Resetter interface {
	Clear(ctx context.Context, userID string)
}

type Handler struct {
	orchestrator Orchestrator
	limiter      *ratelimit.Limiter
	conversation Resetter
	tracker      *track.Tracker
	fetcher      *AttachmentFetcher
	botID        string

	processingUsers map[string]bool
	processingMu    sync.Mutex
}

func NewHandler(orchestrator Orchestrator, limiter *ratelimit.Limiter, conversation Resetter, tracker *track.Tracker) *Handler {
	return &Handler{
		orchestrator:    orchestrator,
		limiter:         limiter,
		conversation:    conversation,
		tracker:         tracker,
		fetcher:         NewAttachmentFetcher(),
		processingUsers: make(map[string]bool),
	}
}

func (h *Handler) SetBotID(id string) {
	h.botID = id
}

func (h *Handler) MessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	h.HandleMessage(&DiscordSession{s}, m)
}

func (h *Handler) HandleMessage(s Session, m *discordgo.MessageCreate) {
	// Ignore own messages
	if m.Author == nil || m.Author.ID == h.botID || m.Author.Bot {
		return
	}

	// In guild channels only react when addressed. This runs before the
	// limiter so a user chatting normally in a busy channel never burns
	// rate budget or earns a ban for messages the bot would ignore anyway.
	isDM := m.GuildID == ""
	if !isDM && !h.mentionsBot(m) {
		return
	}

	// Admission gate: the first message per second goes through, bursts
	// are silently dropped, floods earn a 60s ban.
	if h.limiter.Check(context.Background(), m.Author.ID, m.ChannelID) != ratelimit.Admit {
		return
	}

	// One in-flight turn per user
	h.processingMu.Lock()
	if h.processingUsers[m.Author.ID] {
		h.processingMu.Unlock()
		return
	}
	h.processingUsers[m.Author.ID] = true
	h.processingMu.Unlock()

	defer func() {
		h.processingMu.Lock()
		delete(h.processingUsers, m.Author.ID)
		h.processingMu.Unlock()
	}()

	if err := s.ChannelTyping(m.ChannelID); err != nil {
		log.Printf("Error sending typing indicator: %v", err)
	}

	displayName := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		displayName = m.Member.Nick
	}

	ctx := context.Background()
	start := time.Now()

	var reply ai.Reply
	kind := "text"

	switch {
	case m.Poll != nil:
		kind = "poll"
		options := make([]string, 0, len(m.Poll.Answers))
		for _, answer := range m.Poll.Answers {
			if answer.Media != nil {
				options = append(options, answer.Media.Text)
			}
		}
		reply = h.orchestrator.RespondToPoll(ctx, m.Author.ID, displayName, m.Poll.Question.Text, options)

	default:
		text := h.stripBotMention(m.Content)
		imageData, imageMIME := h.firstImageAttachment(m.Attachments)
		if imageData != nil {
			kind = "image"
		}
		reply = h.orchestrator.Respond(ctx, m.Author.ID, displayName, text, imageData, imageMIME)
	}

	h.sendSplitMessage(s, m.ChannelID, reply.Text, m.Reference())

	if reply.Reaction != "" {
		if err := s.MessageReactionAdd(m.ChannelID, m.ID, reply.Reaction); err != nil {
			log.Printf("Error adding reaction: %v", err)
		}
	}

	h.tracker.RecordTurn(track.Turn{
		UserID:    m.Author.ID,
		ChannelID: m.ChannelID,
		Kind:      kind,
		LatencyMS: time.Since(start).Milliseconds(),
	})
}

func (h *Handler) mentionsBot(m *discordgo.MessageCreate) bool {
	for _, user := range m.Mentions {
		if user.ID == h.botID {
			return true
		}
	}
	return false
}

func (h *Handler) stripBotMention(content string) string {
	content = strings.ReplaceAll(content, "<@"+h.botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+h.botID+">", "")
	return strings.TrimSpace(content)
}

func (h *Handler) firstImageAttachment(attachments []*discordgo.MessageAttachment) ([]byte, string) {
	for _, attachment := range attachments {
		if !isSupportedImage(attachment) {
			continue
		}
		data, mime, err := h.fetcher.Fetch(attachment.URL)
		if err != nil {
			log.Printf("Error fetching image %s: %v", attachment.Filename, err)
			continue
		}
		return data, mime
	}
	return nil, ""
}

func (h *Handler) sendSplitMessage(s Session, channelID, content string, reference *discordgo.MessageReference) {
	content = strings.ReplaceAll(content, "\n\n", "---SPLIT---")
	parts := strings.Split(content, "---SPLIT---")

	isFirstPart := true
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		var err error
		if reference == nil {
			_, err = s.ChannelMessageSend(channelID, part)
		} else if isFirstPart {
			// The first part of a reply pings the user by default
			_, err = s.ChannelMessageSendReply(channelID, part, reference)
			isFirstPart = false
		} else {
			_, err = s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
				Content:   part,
				Reference: reference,
				AllowedMentions: &discordgo.MessageAllowedMentions{
					RepliedUser: false,
				},
			})
		}

		if err != nil {
			log.Printf("Error sending message part: %v", err)
		}
	}
}
