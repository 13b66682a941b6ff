// Package gemini implements the remote inference service against a Gemini
// generateContent-style HTTP endpoint.
package gemini

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"

	"parley/core"
)

// Config holds configuration for the Gemini client
type Config struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`

	// HTTPTimeout caps a single exchange at the transport level. The turn
	// pipeline applies its own deadline on top via ctx.
	HTTPTimeout time.Duration `json:"http_timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://generativelanguage.googleapis.com/v1beta",
		Model:       "gemini-2.0-flash",
		HTTPTimeout: 60 * time.Second,
	}
}

// Client issues generateContent calls. It is stateless between calls; the
// full transcript is serialized on every request.
type Client struct {
	config Config
	client *http.Client
	logger *core.Logger
}

// Request/response payload for the generateContent wire format
type (
	generatePart struct {
		Text string `json:"text"`
	}

	generateContent struct {
		Role  string         `json:"role"`
		Parts []generatePart `json:"parts"`
	}

	generateRequest struct {
		Contents []generateContent `json:"contents"`
	}
)

// NewClient creates a Gemini client with the provided config
func NewClient(config Config, logger *core.Logger) *Client {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = defaults.HTTPTimeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.HTTPTimeout},
		logger: logger,
	}
}

// Generate sends the role-tagged transcript and returns the first generated
// text fragment. The credential travels in a request header, never in the
// URL, so it cannot end up in access logs. A reachable-but-unhappy remote
// (non-2xx status, unparseable body) is a *core.RemoteRejectionError; a
// network-level failure is a *core.TransportError. A well-formed response
// that simply carries no generated content returns ("", nil) and is the
// caller's soft-failure case.
func (c *Client) Generate(ctx context.Context, transcript []core.TranscriptEntry, credential string) (string, error) {
	payload := generateRequest{Contents: make([]generateContent, 0, len(transcript))}
	for _, entry := range transcript {
		payload.Contents = append(payload.Contents, generateContent{
			Role:  string(entry.Role),
			Parts: []generatePart{{Text: entry.Content}},
		})
	}

	body, err := sonic.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.config.BaseURL, c.config.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", credential)

	c.logger.Debug("issuing generateContent call", "model", c.config.Model, "entries", len(transcript))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &core.TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &core.TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &core.RemoteRejectionError{
			StatusCode: resp.StatusCode,
			Reason:     rejectionReason(respBody),
		}
	}
	if !gjson.ValidBytes(respBody) {
		return "", &core.RemoteRejectionError{
			StatusCode: resp.StatusCode,
			Reason:     "response body is not valid JSON",
		}
	}

	fragment := gjson.GetBytes(respBody, "candidates.0.content.parts.0.text")
	return fragment.String(), nil
}

// rejectionReason extracts the server's error message when the body carries
// one, falling back to a generic marker.
func rejectionReason(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	return "request rejected"
}
