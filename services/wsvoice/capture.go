// Package wsvoice provides capture and output devices speaking a small
// websocket protocol: the client streams µ-law audio frames up as binary
// messages and receives JSON text frames back, ending in a single terminal
// event per activation.
package wsvoice

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"parley/core"
	"parley/utils/audio"
	"parley/voice"
)

// Config holds configuration for the websocket voice devices
type Config struct {
	// CaptureURL and SpeakURL are the websocket endpoints for the two
	// directions. SpeakURL defaults to CaptureURL when empty.
	CaptureURL string `json:"capture_url"`
	SpeakURL   string `json:"speak_url"`

	// SampleRate of the local PCM source, FrameDuration the cadence audio is
	// shipped at.
	SampleRate    int           `json:"sample_rate"`
	FrameDuration time.Duration `json:"frame_duration"`

	HandshakeTimeout time.Duration `json:"handshake_timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		CaptureURL:       "ws://127.0.0.1:8642/listen",
		SampleRate:       16000,
		FrameDuration:    20 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Server messages. Each activation ends with exactly one of transcript,
// error, or end.
type listenV1Event struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Client messages
type listenV1Finalize struct {
	Type string `json:"type"`
}

// CaptureDevice streams PCM from a local source to the capture endpoint and
// yields the recognized utterance. It implements voice.CaptureDevice.
type CaptureDevice struct {
	config Config
	source io.Reader
	logger *core.Logger
}

// NewCaptureDevice creates a capture device reading 16-bit mono PCM from
// source. Use DefaultConfig() and override only what you need.
func NewCaptureDevice(config Config, source io.Reader, logger *core.Logger) *CaptureDevice {
	defaults := DefaultConfig()
	if config.CaptureURL == "" {
		config.CaptureURL = defaults.CaptureURL
	}
	if config.SampleRate <= 0 {
		config.SampleRate = defaults.SampleRate
	}
	if config.FrameDuration <= 0 {
		config.FrameDuration = defaults.FrameDuration
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &CaptureDevice{config: config, source: source, logger: logger}
}

// Start dials the capture endpoint and begins pumping audio. The returned
// session emits one terminal event and closes its channel.
func (d *CaptureDevice) Start(ctx context.Context) (voice.CaptureSession, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, d.config.CaptureURL, nil)
	if err != nil {
		return nil, err
	}

	session := &captureSession{
		conn:   conn,
		logger: d.logger,
		events: make(chan voice.CaptureEvent, 1),
		stop:   make(chan struct{}),
	}

	frameBytes := 2 * d.config.SampleRate * int(d.config.FrameDuration/time.Millisecond) / 1000
	go session.pump(ctx, d.source, frameBytes, d.config.FrameDuration)
	go session.listen()
	return session, nil
}

type captureSession struct {
	conn   *websocket.Conn
	logger *core.Logger

	writeMu sync.Mutex // gorilla allows a single concurrent writer
	events  chan voice.CaptureEvent
	stop    chan struct{}

	once     sync.Once
	emitOnce sync.Once
}

func (s *captureSession) Events() <-chan voice.CaptureEvent {
	return s.events
}

// Stop finalizes the activation: the server is told to flush and deliver
// whatever it recognized so far.
func (s *captureSession) Stop() {
	s.once.Do(func() {
		close(s.stop)
		msg, err := sonic.Marshal(listenV1Finalize{Type: "Finalize"})
		if err == nil {
			s.writeMu.Lock()
			_ = s.conn.WriteMessage(websocket.TextMessage, msg)
			s.writeMu.Unlock()
		}
	})
}

// pump ships µ-law frames until stopped. Source exhaustion finalizes the
// activation instead of failing it.
func (s *captureSession) pump(ctx context.Context, source io.Reader, frameBytes int, cadence time.Duration) {
	buf := make([]byte, frameBytes)
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}

		n, err := io.ReadFull(source, buf)
		if n > 0 {
			frame, encErr := audio.PCMBytesToULaw(buf[:n-n%2])
			if encErr != nil {
				s.logger.Warn("dropping unencodable frame", "error", encErr)
				continue
			}
			s.writeMu.Lock()
			writeErr := s.conn.WriteMessage(websocket.BinaryMessage, frame)
			s.writeMu.Unlock()
			if writeErr != nil {
				return
			}
		}
		if err != nil {
			s.Stop()
			return
		}
	}
}

// listen consumes text frames until the terminal event arrives, then closes
// the session.
func (s *captureSession) listen() {
	defer s.conn.Close()
	defer close(s.events)

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stop:
				// A read error after Stop is the connection winding down,
				// not a capture failure.
				s.emit(voice.CaptureEvent{Kind: voice.CaptureEnded})
			default:
				s.emit(voice.CaptureEvent{Kind: voice.CaptureFailed, Err: err})
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var event listenV1Event
		if err := sonic.Unmarshal(message, &event); err != nil {
			s.logger.Warn("unparseable capture event", "error", err)
			continue
		}

		switch event.Type {
		case "transcript":
			s.emit(voice.CaptureEvent{Kind: voice.CaptureResult, Transcript: event.Transcript})
			return
		case "error":
			s.emit(voice.CaptureEvent{Kind: voice.CaptureFailed, Err: errors.New(event.Reason)})
			return
		case "end":
			s.emit(voice.CaptureEvent{Kind: voice.CaptureEnded})
			return
		}
	}
}

func (s *captureSession) emit(event voice.CaptureEvent) {
	s.emitOnce.Do(func() {
		s.events <- event
	})
}
