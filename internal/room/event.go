// Package room tracks the live peers subscribed to each project and fans
// events out to them.
package room

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/good-yellow-bee/cowork/internal/models"
)

// Event names on the live channel.
const (
	EventProjectMessage  = "project-message"
	EventFileTreeUpdated = "file-tree-updated"
	EventFileTreeSave    = "file-tree-save"
	EventAssistantError  = "assistant-error"
	EventHeartbeat       = "heartbeat"
	EventError           = "error"
	// EventMessageAccepted goes only to the peer whose message was
	// persisted, since broadcasts skip the sender.
	EventMessageAccepted = "message-accepted"
)

// Event is one frame of the live channel.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data as the payload of a named event.
func NewEvent(name string, data any) (Event, error) {
	if data == nil {
		return Event{Name: name}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Event{Name: name, Data: raw}, nil
}

// MustEvent is NewEvent for payloads that always encode.
func MustEvent(name string, data any) Event {
	ev, err := NewEvent(name, data)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s event has no data", models.ErrValidation, e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", models.ErrValidation, e.Name, err)
	}
	return nil
}

// MessagePayload is the data of a project-message event.
type MessagePayload struct {
	ID            string           `json:"id,omitempty"`
	Seq           int64            `json:"seq,omitempty"`
	Sender        models.SenderRef `json:"sender"`
	Message       string           `json:"message"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// NewMessagePayload builds the live form of a persisted message.
func NewMessagePayload(msg *models.Message, sender models.SenderRef) MessagePayload {
	return MessagePayload{
		ID:            msg.ID,
		Seq:           msg.Seq,
		Sender:        sender,
		Message:       msg.Body,
		CorrelationID: msg.CorrelationID,
		Timestamp:     msg.Timestamp,
	}
}

// AcceptedPayload is the data of a message-accepted event.
type AcceptedPayload struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// FileTreeUpdatedPayload is the data of a file-tree-updated event. FileTree
// holds only the changed paths for an assistant patch and the whole tree for
// a full save.
type FileTreeUpdatedPayload struct {
	FileTree models.FileTree `json:"fileTree"`
	Paths    []string        `json:"paths"`
	Version  int64           `json:"version"`
	Full     bool            `json:"full,omitempty"`
}

// AssistantErrorPayload is the data of an assistant-error event.
type AssistantErrorPayload struct {
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// SendPayload is the data of an inbound project-message frame.
type SendPayload struct {
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// SavePayload is the data of an inbound file-tree-save frame.
// A non-nil Version makes the save conditional on the stored tree version.
type SavePayload struct {
	FileTree models.FileTree `json:"fileTree"`
	Version  *int64          `json:"version,omitempty"`
}

// ErrorPayload is sent to a single peer whose inbound frame was rejected.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}
