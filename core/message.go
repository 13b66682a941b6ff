package core

import "time"

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// TranscriptRole is the role tag a message carries on the wire. The remote
// service distinguishes only "user" and "model".
type TranscriptRole string

const (
	TranscriptRoleUser  TranscriptRole = "user"
	TranscriptRoleModel TranscriptRole = "model"
)

// Message is one unit of conversation history. Messages are immutable once
// appended to a store; the ID is assigned by the store at append time and is
// unique within a session.
type Message struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	ErrorFlag bool      `json:"error_flag"` // true only for assistant messages representing a failed exchange
	CreatedAt time.Time `json:"created_at"`
}

// TranscriptEntry is a single role-tagged entry of the payload sent to the
// remote inference service.
type TranscriptEntry struct {
	Role    TranscriptRole `json:"role"`
	Content string         `json:"content"`
}

// Role maps a sender to its wire role: user messages keep the "user" role,
// assistant messages are tagged "model".
func (s Sender) Role() TranscriptRole {
	if s == SenderAssistant {
		return TranscriptRoleModel
	}
	return TranscriptRoleUser
}

// BuildTranscript maps the entire history, in order, to the role-tagged
// sequence the remote service expects. Error-flagged assistant messages are
// included; the remote side sees the conversation exactly as the user does.
func BuildTranscript(history []Message) []TranscriptEntry {
	entries := make([]TranscriptEntry, 0, len(history))
	for _, msg := range history {
		entries = append(entries, TranscriptEntry{
			Role:    msg.Sender.Role(),
			Content: msg.Text,
		})
	}
	return entries
}
