package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// PartyID identifies a registered user. Zero and negative values are never valid.
type PartyID int64

// Message is a direct message between two parties. ID is assigned by the
// store; Delivered and Read only ever move from false to true.
type Message struct {
	ID         int64
	SenderID   PartyID
	ReceiverID PartyID
	Content    string
	SentAt     time.Time
	Delivered  bool
	Read       bool
}

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusRead    = "read"
)

func (m Message) Status() string {
	switch {
	case m.Read:
		return StatusRead
	case m.Delivered:
		return StatusSent
	default:
		return StatusPending
	}
}

type messageFrame struct {
	ID         int64   `json:"id"`
	SenderID   PartyID `json:"senderId"`
	ReceiverID PartyID `json:"receiverId"`
	Content    string  `json:"content"`
	Timestamp  int64   `json:"timestamp"`
	IsRead     bool    `json:"isRead"`
	Status     string  `json:"status"`
}

// MarshalJSON renders the outbound wire shape: epoch-millis timestamp, no
// delivered flag.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageFrame{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Timestamp:  m.SentAt.UnixMilli(),
		IsRead:     m.Read,
		Status:     m.Status(),
	})
}

// Conversation summarizes the latest exchange with one counterpart.
type Conversation struct {
	With        PartyID
	LastMessage string
	LastSentAt  time.Time
	Unread      int
}

func (c Conversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ReceiverID  PartyID `json:"receiverId"`
		LastMessage string  `json:"lastMessage"`
		Timestamp   int64   `json:"timestamp"`
		Unread      int     `json:"unread"`
	}{c.With, c.LastMessage, c.LastSentAt.UnixMilli(), c.Unread})
}

const (
	AckSent  = "sent"
	AckError = "error"
)

// Ack is written back to the sender for every message frame it submits.
type Ack struct {
	Status     string  `json:"status"`
	ReceiverID PartyID `json:"receiverId"`
	Message    string  `json:"message,omitempty"`
}

// Operation is a decoded inbound frame: NewMessage or ReadAck.
type Operation interface {
	operation()
}

type NewMessage struct {
	ReceiverID PartyID
	Content    string
}

type ReadAck struct {
	MessageIDs []int64
}

func (NewMessage) operation() {}
func (ReadAck) operation()    {}

const actionRead = "read"

// inboundFrame covers both client frame shapes. Sender, id, timestamp,
// isRead and status are set by the server and never read from the client.
type inboundFrame struct {
	Action     string  `json:"action"`
	MessageIDs []int64 `json:"messageIds"`
	ReceiverID PartyID `json:"receiverId"`
	Content    string  `json:"content"`
}

func DecodeFrame(data []byte) (Operation, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	switch in.Action {
	case actionRead:
		return ReadAck{MessageIDs: in.MessageIDs}, nil
	case "":
		if in.ReceiverID <= 0 {
			return nil, fmt.Errorf("%w: missing receiverId", ErrDecode)
		}
		return NewMessage{ReceiverID: in.ReceiverID, Content: in.Content}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrDecode, in.Action)
	}
}
