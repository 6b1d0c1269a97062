// Package chat defines the message record shared by the store, the
// on-disk log, the wire codec, and the replication protocol.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message status values. Status is a free-form string on the wire so that
// foreign values survive replication untouched; only these two are ever
// produced locally.
const (
	StatusUnread = "unread"
	StatusRead   = "read"
)

// Message is a single chat record. All fields except Status are immutable
// after creation. Timestamp is seconds since epoch as observed by the
// originating node's wall clock; it is only meaningful for last-writer-wins
// conflict resolution, not for cross-node ordering.
type Message struct {
	ID        string  `json:"id"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	Status    string  `json:"status"`
}

// New creates a message with a fresh globally-unique id and the current
// wall-clock timestamp. The replication protocol is id-addressed, so the
// only requirement on ids is collision resistance.
func New(sender, recipient, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Status:    StatusUnread,
	}
}

// Clone returns an independent copy.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}
