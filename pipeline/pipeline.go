// Package pipeline orchestrates one conversation turn: pending input becomes
// a transcript payload, the remote call is issued, and the outcome lands back
// in the conversation store as exactly one assistant message.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"parley/convo"
	"parley/core"
	"parley/utils/text"
)

// InferenceService issues a single generation call against the remote
// service. Implementations return the first generated text fragment (empty
// when the response carries none) or a typed error (*core.TransportError,
// *core.RemoteRejectionError) when the exchange failed.
type InferenceService interface {
	Generate(ctx context.Context, transcript []core.TranscriptEntry, credential string) (string, error)
}

// CredentialStore supplies the opaque API key read before every request.
// Get returns core.ErrMissingCredential when no key is stored.
type CredentialStore interface {
	Get(ctx context.Context) (string, error)
}

// Speaker narrates a speech-safe string. The pipeline hands over the text and
// moves on; playback lifetime is the speaker's problem.
type Speaker interface {
	Speak(text string)
}

// EventSink receives turn lifecycle notifications so a caller (UI, archive)
// can observe the pipeline without owning it.
type EventSink interface {
	TurnStarted(userMsg core.Message)
	TurnCompleted(reply core.Message)
}

// Pipeline drives the turn state machine Idle → Sending → {Succeeded,
// Failed} → Idle. At most one request is in flight at a time; the sending
// flag is the sole ordering guarantee between turns.
type Pipeline struct {
	store   *convo.Store
	service InferenceService
	creds   CredentialStore
	speaker Speaker
	sink    EventSink
	cfg     Config
	logger  *core.Logger

	baseCtx context.Context
	sending atomic.Int32
}

// New wires a pipeline over its collaborators. speaker and sink may be nil.
// ctx bounds the lifetime of every turn the pipeline will ever run.
func New(
	ctx context.Context,
	store *convo.Store,
	service InferenceService,
	creds CredentialStore,
	speaker Speaker,
	sink EventSink,
	cfg Config,
	logger *core.Logger,
) *Pipeline {
	if logger == nil {
		logger = core.GetLogger()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultConfig().FallbackReply
	}
	if cfg.ErrorReply == "" {
		cfg.ErrorReply = DefaultConfig().ErrorReply
	}
	return &Pipeline{
		store:   store,
		service: service,
		creds:   creds,
		speaker: speaker,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		baseCtx: ctx,
	}
}

// Sending reports whether a request is currently in flight. UIs use this to
// disable input while a turn runs.
func (p *Pipeline) Sending() bool {
	return p.sending.Load() == 1
}

// Submit starts a turn for rawInput. Preconditions are checked before any
// state mutation: empty/whitespace input returns core.ErrInvalidMessage, a
// turn already in flight returns core.ErrPipelineBusy (the submission is
// dropped, never queued), and a missing credential returns
// core.ErrMissingCredential with the history untouched. On success the user
// message is appended and the network exchange runs asynchronously; the
// pipeline returns to idle no matter how the turn ends.
func (p *Pipeline) Submit(rawInput string) error {
	input := strings.TrimSpace(rawInput)
	if input == "" {
		return core.ErrInvalidMessage
	}

	if !p.sending.CompareAndSwap(0, 1) {
		return core.ErrPipelineBusy
	}

	credential, err := p.creds.Get(p.baseCtx)
	if err != nil {
		p.sending.Store(0)
		return err
	}

	userMsg, err := p.store.Append(core.Message{Text: input, Sender: core.SenderUser})
	if err != nil {
		p.sending.Store(0)
		return err
	}

	if p.sink != nil {
		p.sink.TurnStarted(userMsg)
	}

	// The full current history, including the just-appended user message, is
	// serialized on every call. The remote service stays stateless from this
	// client's perspective.
	transcript := core.BuildTranscript(p.store.Snapshot())
	turnID := uuid.New().String()

	go p.runTurn(turnID, transcript, credential)
	return nil
}

func (p *Pipeline) runTurn(turnID string, transcript []core.TranscriptEntry, credential string) {
	logger := p.logger.With(map[string]any{"turn": turnID})

	// Each turn releases the sending flag exactly once. The early release
	// before TurnCompleted lets observers submit from the callback; a second
	// Store(0) afterwards would clear the flag the successor turn now owns.
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() { p.sending.Store(0) })
	}

	// The flag must still clear on every exit, panic included, or the
	// pipeline becomes permanently unavailable after one bad turn.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("turn panicked", "panic", r)
			p.appendErrorReply(logger, release)
		}
		release()
	}()

	ctx, cancel := context.WithTimeout(p.baseCtx, p.cfg.RequestTimeout)
	defer cancel()

	started := time.Now()
	fragment, err := p.service.Generate(ctx, transcript, credential)
	if err != nil {
		// Raw error detail is diagnostics only. The transcript gets the fixed
		// generic string so neither credentials nor internals can leak
		// through the conversation.
		logger.Error("turn failed", "error", err, "elapsed", time.Since(started))
		p.appendErrorReply(logger, release)
		return
	}

	reply := strings.TrimSpace(fragment)
	if reply == "" {
		// The remote answered but produced no content. Soft-fail to the
		// fixed apology rather than treating this as an error turn.
		logger.Warn("response carried no generated content, using fallback")
		reply = p.cfg.FallbackReply
	}

	assistantMsg, appendErr := p.store.Append(core.Message{Text: reply, Sender: core.SenderAssistant})
	if appendErr != nil {
		logger.Error("failed to append assistant message", "error", appendErr)
		p.appendErrorReply(logger, release)
		return
	}
	logger.Info("turn completed", "elapsed", time.Since(started))

	// Release the flag before notifying so observers reacting to the
	// completion event see an idle pipeline and may submit immediately.
	release()

	if p.cfg.SpeakReplies && p.speaker != nil {
		p.speaker.Speak(text.SpeechSafe(reply))
	}
	if p.sink != nil {
		p.sink.TurnCompleted(assistantMsg)
	}
}

func (p *Pipeline) appendErrorReply(logger *core.Logger, release func()) {
	errMsg, err := p.store.Append(core.Message{
		Text:      p.cfg.ErrorReply,
		Sender:    core.SenderAssistant,
		ErrorFlag: true,
	})
	if err != nil {
		logger.Error("failed to append error reply", "error", err)
		return
	}
	release()
	if p.sink != nil {
		p.sink.TurnCompleted(errMsg)
	}
}
