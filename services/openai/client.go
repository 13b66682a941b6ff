// Package openai adapts OpenAI chat completions to the inference service
// contract, as an alternate provider to the Gemini endpoint.
package openai

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"

	"parley/core"
)

// Config holds configuration for the OpenAI client
type Config struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Model: openai.GPT4oMini,
	}
}

// Client issues non-streaming chat completions. The credential arrives per
// call, so the underlying SDK client is built per request; construction is
// cheap and keeps the key out of long-lived state.
type Client struct {
	config Config
	logger *core.Logger
}

// NewClient creates an OpenAI client with the provided config
func NewClient(config Config, logger *core.Logger) *Client {
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Client{config: config, logger: logger}
}

// Generate sends the transcript as a chat completion and returns the first
// choice's content. A response without choices returns ("", nil); API-level
// rejections map to *core.RemoteRejectionError and everything else to
// *core.TransportError.
func (c *Client) Generate(ctx context.Context, transcript []core.TranscriptEntry, credential string) (string, error) {
	clientConfig := openai.DefaultConfig(credential)
	if c.config.BaseURL != "" {
		clientConfig.BaseURL = c.config.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	req := openai.ChatCompletionRequest{
		Model:    c.config.Model,
		Messages: convertTranscript(transcript),
	}

	c.logger.Debug("issuing chat completion", "model", c.config.Model, "entries", len(transcript))

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", &core.RemoteRejectionError{
				StatusCode: apiErr.HTTPStatusCode,
				Reason:     apiErr.Message,
			}
		}
		return "", &core.TransportError{Err: err}
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// convertTranscript maps transcript roles onto the OpenAI wire roles. The
// model role is what OpenAI calls assistant.
func convertTranscript(transcript []core.TranscriptEntry) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(transcript))
	for _, entry := range transcript {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    convertRole(entry.Role),
			Content: entry.Content,
		})
	}
	return messages
}

func convertRole(role core.TranscriptRole) string {
	switch role {
	case core.TranscriptRoleModel:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
