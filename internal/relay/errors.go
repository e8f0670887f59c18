package relay

import "errors"

var (
	// ErrInvalidParty rejects a connection for an identity the store does not know.
	ErrInvalidParty = errors.New("invalid party")
	// ErrUnknownParty rejects a send whose sender or receiver does not exist.
	ErrUnknownParty = errors.New("sender or receiver does not exist")
	// ErrForwardFailure means a live forward failed; the message stays pending.
	ErrForwardFailure = errors.New("forward to receiver failed")
	ErrDecode         = errors.New("malformed frame")
	ErrStore          = errors.New("message store failure")
	// ErrReplay means the party is registered but its pending backlog could not be replayed.
	ErrReplay          = errors.New("pending replay failed")
	ErrMessageAssigned = errors.New("message already has an id")
	ErrConnClosed      = errors.New("connection closed")
)
