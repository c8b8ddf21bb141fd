package openrouter

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"kasumi/pkg/memory"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Request is one generation attempt against the fallback provider: system
// prompt, role-tagged history and the user's message, with an optional image.
type Request struct {
	System    string
	History   []memory.Message
	UserText  string
	ImageData []byte
	ImageMIME string
}

// Client is the secondary generation backend, an OpenAI-compatible chat
// completions API. One key, one model, one attempt per call: retrying and
// falling over is the orchestrator's decision.
type Client struct {
	client      openai.Client
	model       string
	temperature float64
	topP        float64
	configured  bool
}

func NewClient(apiKey, baseURL, model string, temperature, topP float64) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		client: openai.NewClient(
			option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"),
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(0),
		),
		model:       model,
		temperature: temperature,
		topP:        topP,
		configured:  apiKey != "",
	}
}

// Configured reports whether a key was provided at startup. An unconfigured
// client is the "unavailable" error class, not a runtime failure.
func (c *Client) Configured() bool {
	return c.configured
}

func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if !c.configured {
		return "", fmt.Errorf("no API key configured")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.History {
		switch msg.Role {
		case memory.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	if len(req.ImageData) > 0 {
		dataURL := fmt.Sprintf("data:%s;base64,%s", req.ImageMIME, base64.StdEncoding.EncodeToString(req.ImageData))
		messages = append(messages, openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(req.UserText),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		}))
	} else {
		messages = append(messages, openai.UserMessage(req.UserText))
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
		TopP:        openai.Float(c.topP),
		MaxTokens:   openai.Int(2000),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response text")
	}
	return text, nil
}
