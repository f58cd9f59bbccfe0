package models

import (
	"time"
)

// Sentinel senders. They are never project members.
const (
	SenderAI     = "ai"
	SenderSystem = "system"
)

// Display identities used when resolving sentinel senders.
const (
	DisplayAI     = "AI Assistant"
	DisplaySystem = "System"
)

// IsSentinelSender reports whether sender is a non-human identity.
func IsSentinelSender(sender string) bool {
	return sender == SenderAI || sender == SenderSystem
}

// Message is one entry of a project's append-only chat log.
// For assistant messages Body holds the serialized reply envelope.
type Message struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Seq           int64     `json:"seq"`
	Sender        string    `json:"sender"`
	Body          string    `json:"body"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SenderRef is a resolved message sender as exposed to clients.
type SenderRef struct {
	ID    string `json:"_id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// SentinelRef returns the fixed display identity for a sentinel sender.
func SentinelRef(sender string) SenderRef {
	if sender == SenderAI {
		return SenderRef{ID: SenderAI, Email: DisplayAI}
	}
	return SenderRef{ID: sender, Email: DisplaySystem}
}
