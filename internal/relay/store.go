package relay

import "context"

// Store is the durable message log the engine persists to and replays from.
// Implementations provide their own isolation per call.
type Store interface {
	// Persist writes msg undelivered and unread and returns its assigned id.
	Persist(ctx context.Context, msg Message) (int64, error)
	MarkDelivered(ctx context.Context, ids []int64) error
	// MarkRead sets read (and delivered) on ids addressed to reader.
	MarkRead(ctx context.Context, reader PartyID, ids []int64) error
	// PendingFor lists undelivered messages addressed to id, oldest first.
	PendingFor(ctx context.Context, id PartyID) ([]Message, error)
	Exists(ctx context.Context, id PartyID) (bool, error)
	History(ctx context.Context, a, b PartyID) ([]Message, error)
	Conversations(ctx context.Context, id PartyID) ([]Conversation, error)
}
