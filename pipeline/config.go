package pipeline

import "time"

// Config controls per-turn behavior of the request pipeline.
type Config struct {
	// RequestTimeout bounds a single inference call. A hung call is forced
	// into the failed path after this long so the pipeline can never stay in
	// the sending state indefinitely.
	RequestTimeout time.Duration

	// FallbackReply is substituted when the remote response carries no
	// generated content at all. The turn still counts as a success.
	FallbackReply string

	// ErrorReply is the fixed, non-leaking text appended as an error-flagged
	// assistant message when a turn fails. Raw error detail goes to the log
	// only, never into the transcript.
	ErrorReply string

	// SpeakReplies narrates successful replies through the voice output when
	// a speaker is attached.
	SpeakReplies bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		FallbackReply:  "Sorry, I couldn't come up with a response. Please try again.",
		ErrorReply:     "Something went wrong while contacting the assistant. Please try again.",
	}
}
