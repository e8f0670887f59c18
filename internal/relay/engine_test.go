package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice PartyID = 1
	bob   PartyID = 2
	carol PartyID = 3
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memStore, *eventLog) {
	t.Helper()
	log := &eventLog{}
	store := newMemStore(log, alice, bob, carol)
	opts = append([]Option{WithClock(stepClock())}, opts...)
	return NewEngine(store, NewRegistry(), opts...), store, log
}

func decodeMessage(t *testing.T, data []byte) messageFrame {
	t.Helper()
	var f messageFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestEngine_ConnectRejectsInvalidParty(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	for _, id := range []PartyID{0, -4, 99} {
		_, err := eng.Connect(context.Background(), id, newFakeConn("x", nil))
		assert.ErrorIs(t, err, ErrInvalidParty, "party %d", id)
	}
	assert.Equal(t, 0, eng.registry.Len())
}

func TestEngine_ConnectStoreFailureDoesNotRegister(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	store.failExists = errBoom

	_, err := eng.Connect(context.Background(), alice, newFakeConn("alice", nil))
	require.ErrorIs(t, err, ErrStore)
	assert.NotErrorIs(t, err, ErrInvalidParty)
	assert.False(t, eng.Online(alice))
}

func TestEngine_SendToOnlineReceiver(t *testing.T) {
	eng, store, log := newTestEngine(t)
	ctx := context.Background()
	bobConn := newFakeConn("bob", log)
	_, err := eng.Connect(ctx, bob, bobConn)
	require.NoError(t, err)

	msg, err := eng.Send(ctx, Message{SenderID: alice, ReceiverID: bob, Content: "hi"})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.True(t, msg.Delivered)
	assert.False(t, msg.SentAt.IsZero())

	frames := bobConn.frames()
	require.Len(t, frames, 1)
	got := decodeMessage(t, frames[0])
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, alice, got.SenderID)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, msg.SentAt.UnixMilli(), got.Timestamp)

	assert.True(t, store.get(msg.ID).Delivered)
	assert.Equal(t, []string{"persist 1", "send bob", "delivered [1]"}, log.all())
}

func TestEngine_SendToOfflineReceiverThenReplay(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	var ids []int64
	for _, body := range []string{"one", "two", "three"} {
		msg, err := eng.Send(ctx, Message{SenderID: alice, ReceiverID: bob, Content: body})
		require.NoError(t, err)
		assert.False(t, msg.Delivered)
		ids = append(ids, msg.ID)
	}
	// carol's traffic must not leak into bob's backlog
	_, err := eng.Send(ctx, Message{SenderID: alice, ReceiverID: carol, Content: "other"})
	require.NoError(t, err)

	bobConn := newFakeConn("bob", nil)
	flushed, err := eng.Connect(ctx, bob, bobConn)
	require.NoError(t, err)
	assert.Equal(t, 3, flushed)

	frames := bobConn.frames()
	require.Len(t, frames, 3)
	for i, data := range frames {
		got := decodeMessage(t, data)
		assert.Equal(t, ids[i], got.ID)
		assert.Equal(t, StatusSent, got.Status)
		assert.True(t, store.get(ids[i]).Delivered)
	}

	pending, err := store.PendingFor(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// reconnecting replays nothing
	flushed, err = eng.Connect(ctx, bob, newFakeConn("bob-2", nil))
	require.NoError(t, err)
	assert.Zero(t, flushed)
}

func TestEngine_SendUnknownReceiverIsNotPersisted(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	_, err := eng.Send(context.Background(), Message{SenderID: alice, ReceiverID: 42, Content: "hello?"})
	require.ErrorIs(t, err, ErrUnknownParty)
	_, err = eng.Send(context.Background(), Message{SenderID: 0, ReceiverID: bob, Content: "anon"})
	require.ErrorIs(t, err, ErrUnknownParty)
	assert.Zero(t, store.count())
}

func TestEngine_SendRejectsAssignedID(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	_, err := eng.Send(context.Background(), Message{ID: 7, SenderID: alice, ReceiverID: bob})
	require.ErrorIs(t, err, ErrMessageAssigned)
	assert.Zero(t, store.count())
}

func TestEngine_SendPersistFailureSkipsForward(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()
	bobConn := newFakeConn("bob", nil)
	_, err := eng.Connect(ctx, bob, bobConn)
	require.NoError(t, err)

	store.failPersist = errBoom
	_, err = eng.Send(ctx, Message{SenderID: alice, ReceiverID: bob, Content: "lost"})
	require.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, bobConn.frames())
}

func TestEngine_ForwardFailureLeavesMessagePending(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()
	bobConn := newFakeConn("bob", nil)
	_, err := eng.Connect(ctx, bob, bobConn)
	require.NoError(t, err)
	bobConn.setSendErr(errBoom)

	msg, err := eng.Send(ctx, Message{SenderID: alice, ReceiverID: bob, Content: "retry me"})
	require.NoError(t, err)
	assert.False(t, msg.Delivered)
	assert.False(t, store.get(msg.ID).Delivered)

	next := newFakeConn("bob-2", nil)
	flushed, err := eng.Connect(ctx, bob, next)
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.True(t, store.get(msg.ID).Delivered)
}

func TestEngine_MarkDeliveredFailureAfterForward(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := eng.Connect(ctx, bob, newFakeConn("bob", nil))
	require.NoError(t, err)

	store.failMarkDelivered = errBoom
	msg, err := eng.Send(ctx, Message{SenderID: alice, ReceiverID: bob, Content: "twice maybe"})
	require.NoError(t, err)
	assert.False(t, store.get(msg.ID).Delivered)
}

func TestEngine_ReplayFailureKeepsRegistration(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	store.failPending = errBoom

	_, err := eng.Connect(context.Background(), bob, newFakeConn("bob", nil))
	require.ErrorIs(t, err, ErrReplay)
	assert.ErrorIs(t, err, ErrStore)
	assert.True(t, eng.Online(bob))
}

func TestEngine_ReplaySkipsFailedFrames(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()
	msg, err := eng.Send(ctx, Message{SenderID: alice, ReceiverID: bob, Content: "hold"})
	require.NoError(t, err)

	broken := newFakeConn("bob", nil)
	broken.setSendErr(errBoom)
	flushed, err := eng.Connect(ctx, bob, broken)
	require.NoError(t, err)
	assert.Zero(t, flushed)
	assert.False(t, store.get(msg.ID).Delivered)
}

func TestEngine_MarkRead(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	toBob, err := eng.Send(ctx, Message{SenderID: alice, ReceiverID: bob, Content: "for bob"})
	require.NoError(t, err)
	toCarol, err := eng.Send(ctx, Message{SenderID: alice, ReceiverID: carol, Content: "for carol"})
	require.NoError(t, err)

	require.NoError(t, eng.MarkRead(ctx, bob, []int64{toBob.ID, toCarol.ID, 0, -1, 999, toBob.ID}))

	read := store.get(toBob.ID)
	assert.True(t, read.Read)
	assert.True(t, read.Delivered, "read implies delivered")
	assert.Equal(t, StatusRead, read.Status())

	foreign := store.get(toCarol.ID)
	assert.False(t, foreign.Read)
	assert.False(t, foreign.Delivered)

	// idempotent
	require.NoError(t, eng.MarkRead(ctx, bob, []int64{toBob.ID}))
	assert.Equal(t, read, store.get(toBob.ID))

	require.NoError(t, eng.MarkRead(ctx, bob, nil))

	store.failMarkRead = errBoom
	assert.ErrorIs(t, eng.MarkRead(ctx, bob, []int64{toBob.ID}), ErrStore)
}

func TestEngine_SupersededSessionCannotEvictSuccessor(t *testing.T) {
	presence := &fakePresence{}
	eng, _, _ := newTestEngine(t, WithPresence(presence))
	ctx := context.Background()

	first := newFakeConn("bob-1", nil)
	second := newFakeConn("bob-2", nil)
	_, err := eng.Connect(ctx, bob, first)
	require.NoError(t, err)
	_, err = eng.Connect(ctx, bob, second)
	require.NoError(t, err)
	assert.Equal(t, 1, eng.registry.Len())

	eng.Disconnect(ctx, bob, first)
	require.True(t, eng.Online(bob))

	_, err = eng.Send(ctx, Message{SenderID: alice, ReceiverID: bob, Content: "to the new one"})
	require.NoError(t, err)
	assert.Empty(t, first.frames())
	assert.Len(t, second.frames(), 1)

	eng.Disconnect(ctx, bob, second)
	eng.Disconnect(ctx, bob, second)
	assert.False(t, eng.Online(bob))
	assert.Equal(t, []string{"online 2", "online 2", "offline 2"}, presence.all())
}

func TestEngine_TouchOnlyRefreshesLiveConnection(t *testing.T) {
	presence := &fakePresence{}
	eng, _, _ := newTestEngine(t, WithPresence(presence))
	ctx := context.Background()

	stale := newFakeConn("stale", nil)
	live := newFakeConn("live", nil)
	_, err := eng.Connect(ctx, alice, stale)
	require.NoError(t, err)
	_, err = eng.Connect(ctx, alice, live)
	require.NoError(t, err)

	eng.Touch(ctx, alice, stale)
	eng.Touch(ctx, alice, live)
	eng.Touch(ctx, bob, live)
	assert.Equal(t, []string{"online 1", "online 1", "refresh 1"}, presence.all())
}

func TestEngine_HistoryAndConversations(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	sends := []Message{
		{SenderID: alice, ReceiverID: bob, Content: "a->b 1"},
		{SenderID: bob, ReceiverID: alice, Content: "b->a"},
		{SenderID: carol, ReceiverID: alice, Content: "c->a"},
		{SenderID: alice, ReceiverID: bob, Content: "a->b 2"},
	}
	for _, m := range sends {
		_, err := eng.Send(ctx, m)
		require.NoError(t, err)
	}

	history, err := eng.History(ctx, bob, alice)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "a->b 1", history[0].Content)
	assert.Equal(t, "b->a", history[1].Content)
	assert.Equal(t, "a->b 2", history[2].Content)

	convs, err := eng.Conversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, bob, convs[0].With)
	assert.Equal(t, "a->b 2", convs[0].LastMessage)
	assert.Equal(t, 1, convs[0].Unread)
	assert.Equal(t, carol, convs[1].With)
	assert.Equal(t, 1, convs[1].Unread)
}

func TestEngine_ConcurrentSendsAllDelivered(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()
	bobConn := newFakeConn("bob", nil)
	_, err := eng.Connect(ctx, bob, bobConn)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(from PartyID) {
			defer wg.Done()
			_, err := eng.Send(ctx, Message{SenderID: from, ReceiverID: bob, Content: "burst"})
			assert.NoError(t, err)
		}([]PartyID{alice, carol}[i%2])
	}
	wg.Wait()

	assert.Len(t, bobConn.frames(), n)
	pending, err := store.PendingFor(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
