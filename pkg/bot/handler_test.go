package bot

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasumi/pkg/ai"
	"kasumi/pkg/ratelimit"
)

// MockSession implements Session for testing
type MockSession struct {
	SentMessages []string
	Reactions    []string
	TypingCalls  int
}

func (m *MockSession) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.SentMessages = append(m.SentMessages, content)
	return &discordgo.Message{ID: "mock_msg_id", ChannelID: channelID, Content: content}, nil
}

func (m *MockSession) ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.SentMessages = append(m.SentMessages, content)
	return &discordgo.Message{ID: "mock_msg_id", ChannelID: channelID, Content: content}, nil
}

func (m *MockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.SentMessages = append(m.SentMessages, data.Content)
	return &discordgo.Message{ID: "mock_msg_id", ChannelID: channelID, Content: data.Content}, nil
}

func (m *MockSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	m.TypingCalls++
	return nil
}

func (m *MockSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	m.Reactions = append(m.Reactions, emojiID)
	return nil
}

type mockOrchestrator struct {
	reply        ai.Reply
	respondCalls int
	pollCalls    int
	lastText     string
	lastImage    []byte
	lastQuestion string
	lastOptions  []string
}

func (m *mockOrchestrator) Respond(_ context.Context, userID, displayName, text string, imageData []byte, imageMIME string) ai.Reply {
	m.respondCalls++
	m.lastText = text
	m.lastImage = imageData
	return m.reply
}

func (m *mockOrchestrator) RespondToPoll(_ context.Context, userID, displayName, question string, options []string) ai.Reply {
	m.pollCalls++
	m.lastQuestion = question
	m.lastOptions = options
	return m.reply
}

type mockResetter struct {
	cleared []string
}

func (m *mockResetter) Clear(_ context.Context, userID string) {
	m.cleared = append(m.cleared, userID)
}

func userMessage(userID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg_1",
			ChannelID: "chan_1",
			Content:   content,
			Author:    &discordgo.User{ID: userID, Username: "TestUser"},
		},
	}
}

func newTestHandler(t *testing.T, orch *mockOrchestrator) *Handler {
	t.Helper()

	limiter := ratelimit.New(nil, time.Second, 5, 60*time.Second)
	t.Cleanup(limiter.Close)

	h := NewHandler(orch, limiter, &mockResetter{}, nil)
	h.SetBotID("bot_id")
	return h
}

func TestHandleMessage_DMFlow(t *testing.T) {
	orch := &mockOrchestrator{reply: ai.Reply{Text: "hey you! 💕", Reaction: "💖"}}
	h := newTestHandler(t, orch)
	session := &MockSession{}

	h.HandleMessage(session, userMessage("u1", "hi kasumi"))

	assert.Equal(t, 1, orch.respondCalls)
	assert.Equal(t, "hi kasumi", orch.lastText)
	assert.Equal(t, 1, session.TypingCalls)
	require.Len(t, session.SentMessages, 1)
	assert.Equal(t, "hey you! 💕", session.SentMessages[0])
	assert.Equal(t, []string{"💖"}, session.Reactions)
}

func TestHandleMessage_IgnoresSelfAndBots(t *testing.T) {
	orch := &mockOrchestrator{reply: ai.Reply{Text: "nope"}}
	h := newTestHandler(t, orch)
	session := &MockSession{}

	own := userMessage("bot_id", "hello me")
	h.HandleMessage(session, own)

	other := userMessage("u2", "beep")
	other.Author.Bot = true
	h.HandleMessage(session, other)

	assert.Zero(t, orch.respondCalls)
	assert.Empty(t, session.SentMessages)
}

func TestHandleMessage_RateLimitedBurstDropped(t *testing.T) {
	orch := &mockOrchestrator{reply: ai.Reply{Text: "hi"}}
	h := newTestHandler(t, orch)
	session := &MockSession{}

	for i := 0; i < 6; i++ {
		h.HandleMessage(session, userMessage("u1", "spam"))
	}

	// Only the first message per window reaches the orchestrator.
	assert.Equal(t, 1, orch.respondCalls)
	assert.Len(t, session.SentMessages, 1)
}

func guildMessage(userID, content string) *discordgo.MessageCreate {
	msg := userMessage(userID, content)
	msg.GuildID = "guild_1"
	return msg
}

func TestHandleMessage_GuildRequiresMention(t *testing.T) {
	orch := &mockOrchestrator{reply: ai.Reply{Text: "hi"}}
	h := newTestHandler(t, orch)
	session := &MockSession{}

	h.HandleMessage(session, guildMessage("u1", "just chatting"))
	assert.Zero(t, orch.respondCalls)

	mentioned := guildMessage("u2", "<@bot_id> hey there")
	mentioned.Mentions = []*discordgo.User{{ID: "bot_id"}}
	h.HandleMessage(session, mentioned)

	assert.Equal(t, 1, orch.respondCalls)
	assert.Equal(t, "hey there", orch.lastText, "mention stripped from the prompt")
}

func TestHandleMessage_UnaddressedChatterCostsNoRateBudget(t *testing.T) {
	orch := &mockOrchestrator{reply: ai.Reply{Text: "hi"}}
	h := newTestHandler(t, orch)
	session := &MockSession{}

	// A user chatting away in a guild channel without addressing the bot
	// must not accumulate toward the window or earn a ban.
	for i := 0; i < 10; i++ {
		h.HandleMessage(session, guildMessage("u1", "talking to friends"))
	}
	assert.Zero(t, orch.respondCalls)

	mentioned := guildMessage("u1", "<@bot_id> hey, got a sec?")
	mentioned.Mentions = []*discordgo.User{{ID: "bot_id"}}
	h.HandleMessage(session, mentioned)

	assert.Equal(t, 1, orch.respondCalls)
	assert.Len(t, session.SentMessages, 1)
}

func TestHandleMessage_PollRouted(t *testing.T) {
	orch := &mockOrchestrator{reply: ai.Reply{Text: "option 1, easy"}}
	h := newTestHandler(t, orch)
	session := &MockSession{}

	msg := userMessage("u1", "")
	msg.Poll = &discordgo.Poll{
		Question: discordgo.PollMedia{Text: "tea or coffee?"},
		Answers: []discordgo.PollAnswer{
			{Media: &discordgo.PollMedia{Text: "tea"}},
			{Media: &discordgo.PollMedia{Text: "coffee"}},
		},
	}

	h.HandleMessage(session, msg)

	assert.Equal(t, 1, orch.pollCalls)
	assert.Zero(t, orch.respondCalls)
	assert.Equal(t, "tea or coffee?", orch.lastQuestion)
	assert.Equal(t, []string{"tea", "coffee"}, orch.lastOptions)
}

func TestHandleMessage_SplitsOnBlankLines(t *testing.T) {
	orch := &mockOrchestrator{reply: ai.Reply{Text: "first part\n\nsecond part"}}
	h := newTestHandler(t, orch)
	session := &MockSession{}

	h.HandleMessage(session, userMessage("u1", "hi"))

	require.Len(t, session.SentMessages, 2)
	assert.Equal(t, "first part", session.SentMessages[0])
	assert.Equal(t, "second part", session.SentMessages[1])
}

func TestStripBotMention(t *testing.T) {
	h := newTestHandler(t, &mockOrchestrator{})

	assert.Equal(t, "hello", h.stripBotMention("<@bot_id> hello"))
	assert.Equal(t, "hello", h.stripBotMention("<@!bot_id> hello"))
	assert.Equal(t, "hello", h.stripBotMention("hello"))
}

func TestIsSupportedImage(t *testing.T) {
	assert.True(t, isSupportedImage(&discordgo.MessageAttachment{ContentType: "image/png", Size: 100}))
	assert.True(t, isSupportedImage(&discordgo.MessageAttachment{Filename: "photo.JPG", Size: 100}))
	assert.False(t, isSupportedImage(&discordgo.MessageAttachment{ContentType: "video/mp4", Size: 100}))
	assert.False(t, isSupportedImage(&discordgo.MessageAttachment{ContentType: "image/png", Size: 8 * 1024 * 1024}))
}
