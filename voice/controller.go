// Package voice wraps a speech capture device and a speech synthesis device
// behind a small state machine, independent of the conversation engine.
// Recognized transcripts are handed to the caller over a channel; the caller
// decides whether they flow into a conversation turn.
package voice

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"parley/core"
)

// CaptureEventKind tags the single terminal event a capture activation emits.
type CaptureEventKind int

const (
	// CaptureResult carries the recognized utterance text.
	CaptureResult CaptureEventKind = iota
	// CaptureFailed carries the device failure reason.
	CaptureFailed
	// CaptureEnded means the activation finished without a result.
	CaptureEnded
)

// CaptureEvent is the terminal outcome of one capture activation. A session
// emits at most one event; Transcript is set for CaptureResult, Err for
// CaptureFailed.
type CaptureEvent struct {
	Kind       CaptureEventKind
	Transcript string
	Err        error
}

// CaptureSession is one live capture activation. Events yields the single
// terminal event and is closed afterwards. Stop asks the device to wrap up
// early; the session may still emit a result for audio already consumed.
type CaptureSession interface {
	Events() <-chan CaptureEvent
	Stop()
}

// CaptureDevice starts capture activations. A nil device means speech input
// is unsupported on this host.
type CaptureDevice interface {
	Start(ctx context.Context) (CaptureSession, error)
}

// OutputDevice synthesizes one utterance. Speak blocks until playback ends or
// ctx is canceled.
type OutputDevice interface {
	Speak(ctx context.Context, text string) error
}

// State is the capture side of the controller.
type State int

const (
	StateIdle State = iota
	StateListening
	StateError
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// VoiceSession is the transient per-utterance state. It is created on capture
// start and discarded on stop, error, or transcript delivery; it never spans
// more than one utterance.
type VoiceSession struct {
	ID             string
	LastTranscript string

	cancel context.CancelFunc
	device CaptureSession
}

// Controller owns the voice session exclusively. It never writes to the
// conversation history; recognized text is only delivered on Transcripts().
type Controller struct {
	capture CaptureDevice
	output  OutputDevice
	logger  *core.Logger
	baseCtx context.Context

	transcripts chan string
	notices     chan error

	mu          sync.Mutex
	state       State
	session     *VoiceSession
	speakCancel context.CancelFunc
}

// NewController wires a controller over the available devices. Either device
// may be nil: a nil capture device makes StartCapture fail with
// core.ErrUnsupportedCapture, a nil output device makes Speak a no-op.
func NewController(ctx context.Context, capture CaptureDevice, output OutputDevice, logger *core.Logger) *Controller {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Controller{
		capture:     capture,
		output:      output,
		logger:      logger,
		baseCtx:     ctx,
		transcripts: make(chan string, 8),
		notices:     make(chan error, 8),
		state:       StateIdle,
	}
}

// Transcripts delivers recognized utterances, one per completed capture.
func (c *Controller) Transcripts() <-chan string {
	return c.transcripts
}

// Notices delivers capture failures for the caller to surface to the user.
// Failures never reach the conversation history.
func (c *Controller) Notices() <-chan error {
	return c.notices
}

// State reports the current capture state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartCapture begins listening for one utterance. Calling it while already
// listening stops the capture instead (toggle semantics). Returns
// core.ErrUnsupportedCapture when no capture device is available.
func (c *Controller) StartCapture() error {
	c.mu.Lock()
	if c.state == StateListening {
		c.mu.Unlock()
		return c.StopCapture()
	}
	if c.capture == nil {
		c.mu.Unlock()
		return core.ErrUnsupportedCapture
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	device, err := c.capture.Start(ctx)
	if err != nil {
		cancel()
		c.state = StateError
		c.mu.Unlock()
		return &core.CaptureError{Reason: err.Error()}
	}

	session := &VoiceSession{
		ID:     uuid.New().String(),
		cancel: cancel,
		device: device,
	}
	c.session = session
	c.state = StateListening
	c.mu.Unlock()

	c.logger.Debug("capture started", "session", session.ID)
	go c.watch(session)
	return nil
}

// StopCapture requests the device stop and returns to idle immediately. A
// trailing event from the stopped session is discarded.
func (c *Controller) StopCapture() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.state = StateIdle
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	c.logger.Debug("capture stopped", "session", session.ID)
	session.device.Stop()
	session.cancel()
	return nil
}

// watch consumes the session's single terminal event and drives the state
// transition. Runs on its own goroutine per activation.
func (c *Controller) watch(session *VoiceSession) {
	event, ok := <-session.device.Events()

	c.mu.Lock()
	if c.session != session {
		// Stopped (or replaced) while the event was in flight.
		c.mu.Unlock()
		return
	}
	c.session = nil

	if !ok {
		c.state = StateIdle
		c.mu.Unlock()
		session.cancel()
		return
	}

	switch event.Kind {
	case CaptureResult:
		session.LastTranscript = event.Transcript
		c.state = StateIdle
		c.mu.Unlock()
		session.cancel()
		c.logger.Debug("capture recognized", "session", session.ID)
		c.deliverTranscript(event.Transcript)
	case CaptureFailed:
		c.state = StateError
		c.mu.Unlock()
		session.cancel()
		c.logger.Warn("capture failed", "session", session.ID, "error", event.Err)
		c.deliverNotice(&core.CaptureError{Reason: event.Err.Error()})
	default:
		c.state = StateIdle
		c.mu.Unlock()
		session.cancel()
	}
}

func (c *Controller) deliverTranscript(transcript string) {
	if transcript == "" {
		return
	}
	select {
	case c.transcripts <- transcript:
	default:
		c.logger.Warn("transcript dropped, no consumer")
	}
}

func (c *Controller) deliverNotice(err error) {
	select {
	case c.notices <- err:
	default:
	}
}

// Speak narrates text, cancelling any in-progress utterance first. At most
// one utterance is audible at a time; this is a hard override, not a queue.
func (c *Controller) Speak(text string) {
	if c.output == nil || text == "" {
		return
	}

	c.mu.Lock()
	if c.speakCancel != nil {
		c.speakCancel()
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.speakCancel = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		if err := c.output.Speak(ctx, text); err != nil && ctx.Err() == nil {
			c.logger.Warn("speech output failed", "error", err)
		}
		c.mu.Lock()
		if c.speakCancel != nil {
			// Another Speak may already own the slot.
			select {
			case <-ctx.Done():
			default:
				c.speakCancel = nil
			}
		}
		c.mu.Unlock()
	}()
}

// CancelSpeech stops any in-progress utterance.
func (c *Controller) CancelSpeech() {
	c.mu.Lock()
	if c.speakCancel != nil {
		c.speakCancel()
		c.speakCancel = nil
	}
	c.mu.Unlock()
}

// Close stops capture and playback. The controller is not reusable after.
func (c *Controller) Close() {
	_ = c.StopCapture()
	c.CancelSpeech()
}
