package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// FrameConn is a full duplex connection a Session can drive.
type FrameConn interface {
	Conn
	ReadFrame() (messageType int, data []byte, err error)
	Close() error
	CloseWithReason(code int, reason string) error
}

const (
	ackUnknownParty = "sender or receiver does not exist"
	ackStoreFailure = "message could not be stored"
)

// Session binds one authenticated party to one connection for the
// lifetime of that connection.
type Session struct {
	ID    string
	party PartyID
	conn  FrameConn
	eng   *Engine
	log   *zap.Logger

	refreshEvery time.Duration
}

type SessionOption func(*Session)

// WithPresenceRefresh sets how often the presence mirror is touched while
// the session is open. Zero disables refreshing.
func WithPresenceRefresh(d time.Duration) SessionOption {
	return func(s *Session) { s.refreshEvery = d }
}

func NewSession(eng *Engine, party PartyID, conn FrameConn, opts ...SessionOption) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:           id,
		party:        party,
		conn:         conn,
		eng:          eng,
		log:          eng.log.With(zap.String("session_id", id), zap.Int64("party_id", int64(party))),
		refreshEvery: pingPeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects the party, replays its backlog and serves inbound frames
// until the connection fails or ctx is cancelled. The connection is always
// closed and the party disconnected before Run returns.
func (s *Session) Run(ctx context.Context) {
	flushed, err := s.eng.Connect(ctx, s.party, s.conn)
	switch {
	case errors.Is(err, ErrInvalidParty):
		s.log.Warn("connection rejected", zap.Error(err))
		s.conn.CloseWithReason(websocket.ClosePolicyViolation, "invalid user id")
		return
	case errors.Is(err, ErrReplay):
		s.log.Error("pending replay failed", zap.Int("flushed", flushed), zap.Error(err))
	case err != nil:
		s.log.Error("connect failed", zap.Error(err))
		s.conn.CloseWithReason(websocket.CloseInternalServerErr, "internal error")
		return
	}
	s.log.Info("🔌 session started", zap.Int("flushed", flushed))

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.eng.Disconnect(context.WithoutCancel(ctx), s.party, s.conn)
		s.conn.Close()
		s.log.Info("session ended")
	}()

	go func() {
		<-runCtx.Done()
		s.conn.Close()
	}()
	if s.refreshEvery > 0 {
		go s.refreshPresence(runCtx)
	}

	for {
		mt, data, err := s.conn.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		op, err := DecodeFrame(data)
		if err != nil {
			s.log.Debug("dropping frame", zap.Error(err))
			continue
		}
		if err := s.handle(runCtx, op); err != nil {
			s.log.Warn("write to client failed", zap.Error(err))
			return
		}
	}
}

// handle applies one operation. Only a failure to write back to this
// session's own connection is returned.
func (s *Session) handle(ctx context.Context, op Operation) error {
	switch op := op.(type) {
	case NewMessage:
		_, err := s.eng.Send(ctx, Message{
			SenderID:   s.party,
			ReceiverID: op.ReceiverID,
			Content:    op.Content,
		})
		ack := Ack{Status: AckSent, ReceiverID: op.ReceiverID}
		switch {
		case errors.Is(err, ErrUnknownParty):
			ack = Ack{Status: AckError, ReceiverID: op.ReceiverID, Message: ackUnknownParty}
		case err != nil:
			s.log.Error("send failed", zap.Int64("receiver_id", int64(op.ReceiverID)), zap.Error(err))
			ack = Ack{Status: AckError, ReceiverID: op.ReceiverID, Message: ackStoreFailure}
		}
		return s.writeAck(ctx, ack)

	case ReadAck:
		if err := s.eng.MarkRead(ctx, s.party, op.MessageIDs); err != nil {
			s.log.Error("mark read failed", zap.Int("count", len(op.MessageIDs)), zap.Error(err))
		}
	}
	return nil
}

func (s *Session) writeAck(ctx context.Context, ack Ack) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, data)
}

func (s *Session) refreshPresence(ctx context.Context) {
	ticker := time.NewTicker(s.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.eng.Touch(ctx, s.party, s.conn)
		}
	}
}
