package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Request is one generation attempt: the fully composed prompt (persona,
// conversation context and the user's line) plus an optional inline image.
type Request struct {
	Prompt    string
	ImageData []byte
	ImageMIME string
}

// Client calls the generateContent endpoint. The API key is passed per call:
// rotating across keys is the orchestrator's job, not the client's.
type Client struct {
	client      *http.Client
	baseURL     string
	model       string
	temperature float64
	topP        float64
}

func NewClient(baseURL, model string, temperature, topP float64) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		temperature: temperature,
		topP:        topP,
	}
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"topP"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

// Generate returns the model's text for the request, using the given API
// key. Every failure mode (transport, non-200, blocked, empty text) comes
// back as an error so the caller can move on to the next key.
func (c *Client) Generate(ctx context.Context, apiKey string, req Request) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("gemini API key not configured")
	}

	parts := []part{{Text: req.Prompt}}
	if len(req.ImageData) > 0 {
		parts = append(parts, part{
			InlineData: &inlineData{
				MimeType: req.ImageMIME,
				Data:     base64.StdEncoding.EncodeToString(req.ImageData),
			},
		})
	}

	reqBody := generateRequest{
		Contents: []content{{Parts: parts}},
		GenerationConfig: &generationConfig{
			Temperature: c.temperature,
			TopP:        c.topP,
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to perform request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyStr := string(bodyBytes)
		if len(bodyStr) > 200 {
			bodyStr = bodyStr[:200] + "...(truncated)"
		}
		return "", fmt.Errorf("gemini API error (status %d): %s", resp.StatusCode, bodyStr)
	}

	var genResp generateResponse
	if err := json.Unmarshal(bodyBytes, &genResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if genResp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("content blocked: %s", genResp.PromptFeedback.BlockReason)
	}
	if len(genResp.Candidates) == 0 {
		return "", fmt.Errorf("no response candidates returned")
	}
	candidate := genResp.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		return "", fmt.Errorf("response blocked by safety filter")
	}
	if len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content parts in response")
	}

	text := strings.TrimSpace(candidate.Content.Parts[0].Text)
	if text == "" {
		return "", fmt.Errorf("empty response text")
	}
	return text, nil
}
