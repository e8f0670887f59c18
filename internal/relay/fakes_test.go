package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errBoom = errors.New("boom")

// eventLog records store and connection side effects in the order they happen.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type memStore struct {
	mu     sync.Mutex
	users  map[PartyID]bool
	msgs   map[int64]*Message
	nextID int64
	log    *eventLog

	failExists        error
	failPersist       error
	failPending       error
	failMarkDelivered error
	failMarkRead      error
}

func newMemStore(log *eventLog, users ...PartyID) *memStore {
	s := &memStore{users: make(map[PartyID]bool), msgs: make(map[int64]*Message), log: log}
	for _, u := range users {
		s.users[u] = true
	}
	return s
}

func (s *memStore) Persist(_ context.Context, msg Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPersist != nil {
		return 0, s.failPersist
	}
	s.nextID++
	msg.ID = s.nextID
	msg.Delivered, msg.Read = false, false
	s.msgs[msg.ID] = &msg
	s.log.add("persist %d", msg.ID)
	return msg.ID, nil
}

func (s *memStore) MarkDelivered(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMarkDelivered != nil {
		return s.failMarkDelivered
	}
	for _, id := range ids {
		if m, ok := s.msgs[id]; ok {
			m.Delivered = true
		}
	}
	s.log.add("delivered %v", ids)
	return nil
}

func (s *memStore) MarkRead(_ context.Context, reader PartyID, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMarkRead != nil {
		return s.failMarkRead
	}
	for _, id := range ids {
		if m, ok := s.msgs[id]; ok && m.ReceiverID == reader {
			m.Read, m.Delivered = true, true
		}
	}
	return nil
}

func (s *memStore) PendingFor(_ context.Context, id PartyID) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPending != nil {
		return nil, s.failPending
	}
	var out []Message
	for _, m := range s.msgs {
		if m.ReceiverID == id && !m.Delivered {
			out = append(out, *m)
		}
	}
	sortMessages(out)
	return out, nil
}

func (s *memStore) Exists(_ context.Context, id PartyID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failExists != nil {
		return false, s.failExists
	}
	return s.users[id], nil
}

func (s *memStore) History(_ context.Context, a, b PartyID) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Message{}
	for _, m := range s.msgs {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, *m)
		}
	}
	sortMessages(out)
	return out, nil
}

func (s *memStore) Conversations(_ context.Context, id PartyID) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPeer := make(map[PartyID]*Conversation)
	var all []Message
	for _, m := range s.msgs {
		all = append(all, *m)
	}
	sortMessages(all)
	for _, m := range all {
		var peer PartyID
		switch id {
		case m.SenderID:
			peer = m.ReceiverID
		case m.ReceiverID:
			peer = m.SenderID
		default:
			continue
		}
		c, ok := byPeer[peer]
		if !ok {
			c = &Conversation{With: peer}
			byPeer[peer] = c
		}
		c.LastMessage, c.LastSentAt = m.Content, m.SentAt
		if m.ReceiverID == id && !m.Read {
			c.Unread++
		}
	}
	out := []Conversation{}
	for _, c := range byPeer {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSentAt.After(out[j].LastSentAt) })
	return out, nil
}

func (s *memStore) get(id int64) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.msgs[id]
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func sortMessages(ms []Message) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].SentAt.Equal(ms[j].SentAt) {
			return ms[i].SentAt.Before(ms[j].SentAt)
		}
		return ms[i].ID < ms[j].ID
	})
}

// fakeConn is an in-memory FrameConn. Frames pushed with deliver are
// returned by ReadFrame; frames sent to it are kept in order.
type fakeConn struct {
	name string
	log  *eventLog

	mu      sync.Mutex
	sent    [][]byte
	sendErr error

	in          chan []byte
	done        chan struct{}
	once        sync.Once
	closeCode   int
	closeReason string
}

func newFakeConn(name string, log *eventLog) *fakeConn {
	return &fakeConn{name: name, log: log, in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.log.add("send %s", c.name)
	return nil
}

func (c *fakeConn) ReadFrame() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.done:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) deliver(frame string) {
	c.in <- []byte(frame)
}

func (c *fakeConn) Close() error {
	return c.CloseWithReason(websocket.CloseNormalClosure, "")
}

func (c *fakeConn) CloseWithReason(code int, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

type fakePresence struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePresence) record(kind string, id PartyID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, fmt.Sprintf("%s %d", kind, id))
	return nil
}

func (p *fakePresence) Online(_ context.Context, id PartyID) error  { return p.record("online", id) }
func (p *fakePresence) Refresh(_ context.Context, id PartyID) error { return p.record("refresh", id) }
func (p *fakePresence) Offline(_ context.Context, id PartyID) error { return p.record("offline", id) }

func (p *fakePresence) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// stepClock returns strictly increasing instants so message order is
// deterministic within a test.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}
