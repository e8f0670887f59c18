package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go-relay/internal/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("go-relay/relay")

// Engine runs the connect, send, read and disconnect workflows. It is the
// only component that mutates the registry or writes to the store, and it
// never holds the registry lock across store or network I/O.
type Engine struct {
	store    Store
	registry *Registry
	presence Presence
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithPresence(p Presence) Option {
	return func(e *Engine) {
		if p != nil {
			e.presence = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Store, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		presence: noopPresence{},
		log:      logger.Log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func partyAttr(key string, id PartyID) attribute.KeyValue {
	return attribute.Int64(key, int64(id))
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Connect validates id, makes conn its live connection and replays the
// pending backlog over it. ErrInvalidParty and ErrStore leave the registry
// untouched; ErrReplay is returned after registration succeeded.
func (e *Engine) Connect(ctx context.Context, id PartyID, conn Conn) (int, error) {
	ctx, span := tracer.Start(ctx, "relay.Engine.Connect", trace.WithAttributes(partyAttr("party.id", id)))
	defer span.End()

	if id <= 0 {
		failSpan(span, ErrInvalidParty)
		return 0, ErrInvalidParty
	}
	ok, err := e.store.Exists(ctx, id)
	if err != nil {
		err = fmt.Errorf("%w: lookup party %d: %w", ErrStore, id, err)
		failSpan(span, err)
		return 0, err
	}
	if !ok {
		failSpan(span, ErrInvalidParty)
		return 0, ErrInvalidParty
	}

	log := e.log.With(zap.Int64("party_id", int64(id)))
	if prev := e.registry.Register(id, conn); prev != nil && prev != conn {
		log.Info("session superseded by new connection")
	}
	if err := e.presence.Online(ctx, id); err != nil {
		log.Warn("presence online failed", zap.Error(err))
	}

	flushed, err := e.flushPending(ctx, id, conn, log)
	span.SetAttributes(attribute.Int("relay.flushed", flushed))
	if err != nil {
		failSpan(span, err)
		return flushed, err
	}
	return flushed, nil
}

func (e *Engine) flushPending(ctx context.Context, id PartyID, conn Conn, log *zap.Logger) (int, error) {
	pending, err := e.store.PendingFor(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("%w: %w: %w", ErrReplay, ErrStore, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	sent := make([]int64, 0, len(pending))
	for _, msg := range pending {
		if err := e.forward(ctx, conn, msg); err != nil {
			log.Warn("pending message not flushed", zap.Int64("message_id", msg.ID), zap.Error(err))
			continue
		}
		sent = append(sent, msg.ID)
	}
	if len(sent) == 0 {
		return 0, nil
	}

	if err := e.store.MarkDelivered(ctx, sent); err != nil {
		return len(sent), fmt.Errorf("%w: %w: mark delivered: %w", ErrReplay, ErrStore, err)
	}
	log.Info("pending messages flushed", zap.Int("count", len(sent)), zap.Int("pending", len(pending)))
	return len(sent), nil
}

// Send persists msg and forwards it live when the receiver is online. A nil
// error means the message is durable, whether or not it reached the receiver.
func (e *Engine) Send(ctx context.Context, msg Message) (Message, error) {
	ctx, span := tracer.Start(ctx, "relay.Engine.Send", trace.WithAttributes(
		partyAttr("relay.sender_id", msg.SenderID),
		partyAttr("relay.receiver_id", msg.ReceiverID),
	))
	defer span.End()

	if msg.ID != 0 {
		failSpan(span, ErrMessageAssigned)
		return msg, ErrMessageAssigned
	}
	for _, id := range []PartyID{msg.SenderID, msg.ReceiverID} {
		if err := e.checkParty(ctx, id); err != nil {
			failSpan(span, err)
			return msg, err
		}
	}

	msg.SentAt = e.now().UTC()
	msg.Delivered = false
	msg.Read = false
	id, err := e.store.Persist(ctx, msg)
	if err != nil {
		err = fmt.Errorf("%w: persist: %w", ErrStore, err)
		failSpan(span, err)
		return msg, err
	}
	msg.ID = id
	span.SetAttributes(attribute.Int64("relay.message_id", id))

	log := e.log.With(zap.Int64("message_id", id), zap.Int64("receiver_id", int64(msg.ReceiverID)))
	conn, online := e.registry.Lookup(msg.ReceiverID)
	if !online {
		log.Debug("receiver offline, message stored as pending")
		return msg, nil
	}
	if err := e.forward(ctx, conn, msg); err != nil {
		log.Warn("live forward failed, message stored as pending", zap.Error(err))
		return msg, nil
	}
	if err := e.store.MarkDelivered(ctx, []int64{id}); err != nil {
		log.Error("mark delivered failed", zap.Error(err))
		return msg, nil
	}
	msg.Delivered = true
	return msg, nil
}

func (e *Engine) checkParty(ctx context.Context, id PartyID) error {
	if id <= 0 {
		return fmt.Errorf("%w: %d", ErrUnknownParty, id)
	}
	ok, err := e.store.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: lookup party %d: %w", ErrStore, id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownParty, id)
	}
	return nil
}

// forward writes msg to conn as the receiver sees it: delivered by the time
// the frame arrives.
func (e *Engine) forward(ctx context.Context, conn Conn, msg Message) error {
	msg.Delivered = true
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, data); err != nil {
		return fmt.Errorf("%w: %w", ErrForwardFailure, err)
	}
	return nil
}

// MarkRead flags ids addressed to reader as read (and delivered). Unknown,
// foreign or already-read ids are ignored.
func (e *Engine) MarkRead(ctx context.Context, reader PartyID, ids []int64) error {
	ctx, span := tracer.Start(ctx, "relay.Engine.MarkRead", trace.WithAttributes(
		partyAttr("party.id", reader),
		attribute.Int("relay.ids", len(ids)),
	))
	defer span.End()

	valid := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; id <= 0 || dup {
			continue
		}
		seen[id] = struct{}{}
		valid = append(valid, id)
	}
	if len(valid) == 0 {
		return nil
	}

	if err := e.store.MarkRead(ctx, reader, valid); err != nil {
		err = fmt.Errorf("%w: mark read: %w", ErrStore, err)
		failSpan(span, err)
		return err
	}
	return nil
}

// Disconnect drops id from the registry if conn is still its live
// connection. Calling it again, or for a superseded conn, is a no-op.
func (e *Engine) Disconnect(ctx context.Context, id PartyID, conn Conn) {
	ctx, span := tracer.Start(ctx, "relay.Engine.Disconnect", trace.WithAttributes(partyAttr("party.id", id)))
	defer span.End()

	if !e.registry.Remove(id, conn) {
		return
	}
	if err := e.presence.Offline(ctx, id); err != nil {
		e.log.Warn("presence offline failed", zap.Int64("party_id", int64(id)), zap.Error(err))
	}
}

// Touch refreshes the presence mirror while conn is still id's live connection.
func (e *Engine) Touch(ctx context.Context, id PartyID, conn Conn) {
	if cur, ok := e.registry.Lookup(id); !ok || cur != conn {
		return
	}
	if err := e.presence.Refresh(ctx, id); err != nil {
		e.log.Debug("presence refresh failed", zap.Int64("party_id", int64(id)), zap.Error(err))
	}
}

func (e *Engine) Online(id PartyID) bool {
	_, ok := e.registry.Lookup(id)
	return ok
}

// History returns every message exchanged between a and b, oldest first.
func (e *Engine) History(ctx context.Context, a, b PartyID) ([]Message, error) {
	ctx, span := tracer.Start(ctx, "relay.Engine.History", trace.WithAttributes(
		partyAttr("relay.party_a", a),
		partyAttr("relay.party_b", b),
	))
	defer span.End()

	msgs, err := e.store.History(ctx, a, b)
	if err != nil {
		err = fmt.Errorf("%w: history: %w", ErrStore, err)
		failSpan(span, err)
		return nil, err
	}
	return msgs, nil
}

func (e *Engine) Conversations(ctx context.Context, id PartyID) ([]Conversation, error) {
	ctx, span := tracer.Start(ctx, "relay.Engine.Conversations", trace.WithAttributes(partyAttr("party.id", id)))
	defer span.End()

	convs, err := e.store.Conversations(ctx, id)
	if err != nil {
		err = fmt.Errorf("%w: conversations: %w", ErrStore, err)
		failSpan(span, err)
		return nil, err
	}
	return convs, nil
}
