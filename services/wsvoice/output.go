package wsvoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"parley/core"
)

// Client messages for the speak direction
type (
	speakV1Text struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	speakV1Cancel struct {
		Type string `json:"type"`
	}
)

// Server messages
type speakV1Status struct {
	Type   string `json:"type"` // "done" or "error"
	Reason string `json:"reason,omitempty"`
}

// OutputDevice narrates text through the speak endpoint. One connection per
// utterance; the caller enforces the at-most-one-utterance rule. It
// implements voice.OutputDevice.
type OutputDevice struct {
	config Config
	logger *core.Logger
}

// NewOutputDevice creates an output device for the configured endpoint.
func NewOutputDevice(config Config, logger *core.Logger) *OutputDevice {
	defaults := DefaultConfig()
	if config.SpeakURL == "" {
		if config.CaptureURL != "" {
			config.SpeakURL = config.CaptureURL
		} else {
			config.SpeakURL = "ws://127.0.0.1:8642/speak"
		}
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &OutputDevice{config: config, logger: logger}
}

// Speak sends the utterance and blocks until the server reports playback done
// or ctx is canceled. Cancellation sends an explicit cancel frame so the
// server cuts audio immediately instead of draining its buffer.
func (d *OutputDevice) Speak(ctx context.Context, text string) error {
	dialer := websocket.Dialer{HandshakeTimeout: d.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, d.config.SpeakURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg, err := sonic.Marshal(speakV1Text{Type: "speak", Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal speak message: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return err
	}

	statusCh := make(chan error, 1)
	go func() {
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				statusCh <- err
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var status speakV1Status
			if err := sonic.Unmarshal(message, &status); err != nil {
				d.logger.Warn("unparseable speak status", "error", err)
				continue
			}
			switch status.Type {
			case "done":
				statusCh <- nil
				return
			case "error":
				statusCh <- errors.New(status.Reason)
				return
			}
		}
	}()

	select {
	case err := <-statusCh:
		return err
	case <-ctx.Done():
		if cancel, err := sonic.Marshal(speakV1Cancel{Type: "cancel"}); err == nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.SetWriteDeadline(deadline)
			_ = conn.WriteMessage(websocket.TextMessage, cancel)
		}
		return ctx.Err()
	}
}
