package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"parley/convo"
	"parley/core"
)

func newTestPipeline(t *testing.T, service InferenceService, creds CredentialStore, speaker Speaker, cfg Config) (*Pipeline, *convo.Store, *fakeSink) {
	t.Helper()
	store := convo.NewStore()
	sink := newFakeSink()
	p := New(context.Background(), store, service, creds, speaker, sink, cfg, core.GetLogger())
	return p, store, sink
}

func TestSubmitSuccessfulTurn(t *testing.T) {
	t.Parallel()

	service := &fakeService{reply: "Hi there"}
	p, store, sink := newTestPipeline(t, service, &fakeCreds{key: "secret"}, nil, Config{})

	if err := p.Submit("Hello"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	reply := sink.waitCompleted(t)

	history := store.Snapshot()
	if len(history) != 2 {
		t.Fatalf("expected exactly 2 messages per turn, got %d", len(history))
	}
	if history[0].Text != "Hello" || history[0].Sender != core.SenderUser {
		t.Fatalf("unexpected user message: %+v", history[0])
	}
	if reply.Text != "Hi there" || reply.Sender != core.SenderAssistant || reply.ErrorFlag {
		t.Fatalf("unexpected assistant message: %+v", reply)
	}
	if p.Sending() {
		t.Fatalf("pipeline must return to idle after a completed turn")
	}
}

func TestSubmitSerializesFullHistory(t *testing.T) {
	t.Parallel()

	service := &fakeService{reply: "second reply"}
	p, store, sink := newTestPipeline(t, service, &fakeCreds{key: "secret"}, nil, Config{})

	store.Restore([]core.Message{
		{ID: 1, Text: "earlier question", Sender: core.SenderUser},
		{ID: 2, Text: "earlier answer", Sender: core.SenderAssistant},
	})

	if err := p.Submit("follow-up"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	sink.waitCompleted(t)

	transcript := service.lastTranscript()
	if len(transcript) != 3 {
		t.Fatalf("expected the entire history serialized, got %d entries", len(transcript))
	}
	wantRoles := []core.TranscriptRole{core.TranscriptRoleUser, core.TranscriptRoleModel, core.TranscriptRoleUser}
	for i, role := range wantRoles {
		if transcript[i].Role != role {
			t.Fatalf("entry %d: expected role %q, got %q", i, role, transcript[i].Role)
		}
	}
	if transcript[2].Content != "follow-up" {
		t.Fatalf("just-appended user message missing from transcript")
	}
}

func TestSubmitEmptyInputIsRejected(t *testing.T) {
	t.Parallel()

	service := &fakeService{reply: "never"}
	p, store, _ := newTestPipeline(t, service, &fakeCreds{key: "secret"}, nil, Config{})

	for _, input := range []string{"", "   ", "\n\t "} {
		if err := p.Submit(input); !errors.Is(err, core.ErrInvalidMessage) {
			t.Fatalf("input %q: expected ErrInvalidMessage, got %v", input, err)
		}
	}
	if store.Len() != 0 {
		t.Fatalf("history must stay empty, got %d messages", store.Len())
	}
	if service.calls() != 0 {
		t.Fatalf("no network call may be issued for empty input")
	}
	if p.Sending() {
		t.Fatalf("pipeline must stay idle")
	}
}

func TestSubmitMissingCredential(t *testing.T) {
	t.Parallel()

	service := &fakeService{reply: "never"}
	p, store, _ := newTestPipeline(t, service, &fakeCreds{}, nil, Config{})

	if err := p.Submit("Hello"); !errors.Is(err, core.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("history must be untouched on credential failure")
	}
	if service.calls() != 0 {
		t.Fatalf("no network call may be attempted without a credential")
	}
	if p.Sending() {
		t.Fatalf("pipeline must return to idle after a precondition failure")
	}
}

func TestSubmitWhileSendingIsDropped(t *testing.T) {
	t.Parallel()

	service := &fakeService{reply: "reply to A", block: make(chan struct{})}
	p, store, sink := newTestPipeline(t, service, &fakeCreds{key: "secret"}, nil, Config{})

	if err := p.Submit("A"); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	service.waitEntered(t)

	if err := p.Submit("B"); !errors.Is(err, core.ErrPipelineBusy) {
		t.Fatalf("expected ErrPipelineBusy, got %v", err)
	}

	close(service.block)
	sink.waitCompleted(t)

	if service.calls() != 1 {
		t.Fatalf("expected a single network call, got %d", service.calls())
	}
	history := store.Snapshot()
	if len(history) != 2 {
		t.Fatalf("only the first turn may be processed, got %d messages", len(history))
	}
	if history[0].Text != "A" {
		t.Fatalf("dropped submission leaked into history: %+v", history[0])
	}
}

func TestFailedTurnAppendsFixedErrorMessage(t *testing.T) {
	t.Parallel()

	remoteErr := &core.RemoteRejectionError{StatusCode: 500, Reason: "internal: key=sk-123"}
	service := &fakeService{err: remoteErr}
	cfg := Config{ErrorReply: "Something went wrong."}
	p, store, sink := newTestPipeline(t, service, &fakeCreds{key: "secret"}, nil, cfg)

	if err := p.Submit("Hello"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	reply := sink.waitCompleted(t)

	if !reply.ErrorFlag {
		t.Fatalf("expected error-flagged assistant message")
	}
	if reply.Text != "Something went wrong." {
		t.Fatalf("error text must be the fixed string, got %q", reply.Text)
	}
	if store.Len() != 2 {
		t.Fatalf("a failed turn still produces exactly one assistant message")
	}
	if p.Sending() {
		t.Fatalf("pipeline must return to idle after a failed turn")
	}

	// The session stays usable after a failure.
	service.setError(nil)
	service.setReply("recovered")
	if err := p.Submit("again"); err != nil {
		t.Fatalf("submit after failure: %v", err)
	}
	if got := sink.waitCompleted(t); got.ErrorFlag || got.Text != "recovered" {
		t.Fatalf("expected recovery turn, got %+v", got)
	}
}

func TestEmptyFragmentFallsBackToApology(t *testing.T) {
	t.Parallel()

	service := &fakeService{reply: ""}
	cfg := Config{FallbackReply: "Sorry, nothing came back."}
	p, _, sink := newTestPipeline(t, service, &fakeCreds{key: "secret"}, nil, cfg)

	if err := p.Submit("Hello"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	reply := sink.waitCompleted(t)

	if reply.ErrorFlag {
		t.Fatalf("a content-free response is a soft failure, not an error turn")
	}
	if reply.Text != "Sorry, nothing came back." {
		t.Fatalf("expected fallback text, got %q", reply.Text)
	}
}

func TestSuccessfulTurnSpeaksSpeechSafeText(t *testing.T) {
	t.Parallel()

	service := &fakeService{reply: "**Hi** there,\nfriend"}
	speaker := &fakeSpeaker{}
	cfg := Config{SpeakReplies: true}
	p, _, sink := newTestPipeline(t, service, &fakeCreds{key: "secret"}, speaker, cfg)

	if err := p.Submit("Hello"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	sink.waitCompleted(t)

	if got := speaker.last(); got != "Hi there, friend" {
		t.Fatalf("speaker must receive the speech-safe string, got %q", got)
	}
}

func TestHungCallIsForcedToFailByTimeout(t *testing.T) {
	t.Parallel()

	service := &fakeService{hangUntilCtxDone: true}
	cfg := Config{RequestTimeout: 20 * time.Millisecond}
	p, store, sink := newTestPipeline(t, service, &fakeCreds{key: "secret"}, nil, cfg)

	if err := p.Submit("Hello"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	reply := sink.waitCompleted(t)

	if !reply.ErrorFlag {
		t.Fatalf("a timed-out call must land in the failed path")
	}
	if store.Len() != 2 {
		t.Fatalf("expected user + error message, got %d", store.Len())
	}
	if p.Sending() {
		t.Fatalf("pipeline must be idle again after the timeout")
	}
}

func TestResubmitFromCompletionKeepsGuard(t *testing.T) {
	t.Parallel()

	service := &serialService{
		replies:     map[string]string{"A": "reply A", "B": "reply B"},
		secondBlock: make(chan struct{}),
	}
	store := convo.NewStore()
	sink := &resubmitSink{next: "B", completed: make(chan core.Message, 4)}
	p := New(context.Background(), store, service, &fakeCreds{key: "secret"}, nil, sink, Config{}, core.GetLogger())
	sink.pipe = p

	if err := p.Submit("A"); err != nil {
		t.Fatalf("submit A failed: %v", err)
	}

	// Turn A completes and the sink submits B from inside TurnCompleted.
	// B's call blocks, so the guard must hold while A's goroutine unwinds.
	service.waitInFlight(t)
	if err := sink.resubmitErr(); err != nil {
		t.Fatalf("submit from completion callback failed: %v", err)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := p.Submit("C"); !errors.Is(err, core.ErrPipelineBusy) {
			t.Fatalf("Submit(C) = %v while B is in flight, want ErrPipelineBusy", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(service.secondBlock)
	waitFor(t, sink.completed, "reply B")

	if got := service.maxConcurrent(); got != 1 {
		t.Fatalf("expected at most one in-flight call, observed %d", got)
	}
	if got := service.calls(); got != 2 {
		t.Fatalf("expected 2 calls (A and B), got %d", got)
	}
	history := store.Snapshot()
	if len(history) != 4 {
		t.Fatalf("expected 4 messages (A, reply A, B, reply B), got %d", len(history))
	}
}

func waitFor(t *testing.T, ch <-chan core.Message, text string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Text == text {
				return
			}
		case <-deadline:
			t.Fatalf("never saw completion %q", text)
		}
	}
}

// serialService fails the test's invariant check when two Generate calls
// overlap; the second call blocks until secondBlock is closed.
type serialService struct {
	mu          sync.Mutex
	replies     map[string]string
	callCount   int
	inFlight    int
	maxInFlight int
	secondBlock chan struct{}
	entered     chan struct{}
}

func (s *serialService) Generate(ctx context.Context, transcript []core.TranscriptEntry, credential string) (string, error) {
	s.mu.Lock()
	s.callCount++
	call := s.callCount
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	if s.entered != nil && call == 2 {
		close(s.entered)
		s.entered = nil
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if call >= 2 {
		<-s.secondBlock
	}
	last := transcript[len(transcript)-1].Content
	return s.replies[last], nil
}

// waitInFlight blocks until the second call has entered Generate.
func (s *serialService) waitInFlight(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	if s.callCount >= 2 {
		s.mu.Unlock()
		return
	}
	entered := make(chan struct{})
	s.entered = entered
	s.mu.Unlock()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("second call never started")
	}
}

func (s *serialService) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *serialService) maxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// resubmitSink submits a follow-up turn from inside the completion callback,
// the way a UI re-enabling its input box would.
type resubmitSink struct {
	pipe      *Pipeline
	completed chan core.Message

	mu   sync.Mutex
	next string
	err  error
	done bool
}

func (s *resubmitSink) TurnStarted(core.Message) {}

func (s *resubmitSink) TurnCompleted(reply core.Message) {
	s.mu.Lock()
	resubmit := !s.done
	s.done = true
	next := s.next
	s.mu.Unlock()

	if resubmit {
		err := s.pipe.Submit(next)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
	s.completed <- reply
}

func (s *resubmitSink) resubmitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type fakeService struct {
	mu               sync.Mutex
	reply            string
	err              error
	transcripts      [][]core.TranscriptEntry
	callCount        int
	block            chan struct{} // when non-nil, Generate blocks until closed
	entered          chan struct{}
	hangUntilCtxDone bool
}

func (f *fakeService) Generate(ctx context.Context, transcript []core.TranscriptEntry, credential string) (string, error) {
	f.mu.Lock()
	f.callCount++
	copied := make([]core.TranscriptEntry, len(transcript))
	copy(copied, transcript)
	f.transcripts = append(f.transcripts, copied)
	block := f.block
	entered := f.entered
	hang := f.hangUntilCtxDone
	reply, err := f.reply, f.err
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if hang {
		<-ctx.Done()
		return "", &core.TransportError{Err: ctx.Err()}
	}
	if block != nil {
		<-block
	}
	return reply, err
}

func (f *fakeService) waitEntered(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	if f.entered == nil {
		f.entered = make(chan struct{})
	}
	entered := f.entered
	alreadyCalled := f.callCount > 0
	f.mu.Unlock()
	if alreadyCalled {
		return
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("service was never called")
	}
}

func (f *fakeService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

func (f *fakeService) lastTranscript() []core.TranscriptEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transcripts) == 0 {
		return nil
	}
	return f.transcripts[len(f.transcripts)-1]
}

func (f *fakeService) setReply(reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = reply
}

func (f *fakeService) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeCreds struct {
	key string
}

func (f *fakeCreds) Get(context.Context) (string, error) {
	if f.key == "" {
		return "", core.ErrMissingCredential
	}
	return f.key, nil
}

type fakeSpeaker struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSpeaker) Speak(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func (f *fakeSpeaker) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type fakeSink struct {
	started   chan core.Message
	completed chan core.Message
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		started:   make(chan core.Message, 16),
		completed: make(chan core.Message, 16),
	}
}

func (f *fakeSink) TurnStarted(msg core.Message)   { f.started <- msg }
func (f *fakeSink) TurnCompleted(msg core.Message) { f.completed <- msg }

func (f *fakeSink) waitCompleted(t *testing.T) core.Message {
	t.Helper()
	select {
	case msg := <-f.completed:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("turn never completed")
		return core.Message{}
	}
}
