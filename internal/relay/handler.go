package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	myMiddleware "go-relay/internal/middleware"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is left to the fronting proxy
	},
}

// PresenceReader answers online checks from the shared presence mirror
// instead of this process's registry.
type PresenceReader interface {
	IsOnline(ctx context.Context, id PartyID) (bool, error)
}

type Handler struct {
	engine   *Engine
	presence PresenceReader
	opts     []SessionOption
}

// NewHandler serves the relay endpoints. presence may be nil, in which case
// presence queries are answered from the local registry.
func NewHandler(engine *Engine, presence PresenceReader, opts ...SessionOption) *Handler {
	return &Handler{engine: engine, presence: presence, opts: opts}
}

// ServeWs upgrades an authenticated request and runs its session on the
// handler goroutine until the connection ends.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.engine.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	NewSession(h.engine, PartyID(userID), NewClient(conn), h.opts...).Run(r.Context())
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	a, errA := parsePartyID(q.Get("senderId"))
	b, errB := parsePartyID(q.Get("receiverId"))
	if errA != nil || errB != nil {
		http.Error(w, "senderId and receiverId must be positive integers", http.StatusBadRequest)
		return
	}
	if PartyID(caller) != a && PartyID(caller) != b {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	msgs, err := h.engine.History(r.Context(), a, b)
	if err != nil {
		h.engine.log.Error("history failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	caller, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	convs, err := h.engine.Conversations(r.Context(), PartyID(caller))
	if err != nil {
		h.engine.log.Error("conversations failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type presenceStatus struct {
	ID     PartyID `json:"id"`
	Online bool    `json:"online"`
}

// GetPresence reports online state for a comma separated ids list.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		http.Error(w, "missing ids", http.StatusBadRequest)
		return
	}

	var out []presenceStatus
	for _, field := range strings.Split(raw, ",") {
		id, err := parsePartyID(strings.TrimSpace(field))
		if err != nil {
			http.Error(w, "ids must be positive integers", http.StatusBadRequest)
			return
		}
		online, err := h.isOnline(r.Context(), id)
		if err != nil {
			h.engine.log.Error("presence lookup failed", zap.Int64("party_id", int64(id)), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		out = append(out, presenceStatus{ID: id, Online: online})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) isOnline(ctx context.Context, id PartyID) (bool, error) {
	if h.engine.Online(id) {
		return true, nil
	}
	if h.presence == nil {
		return false, nil
	}
	return h.presence.IsOnline(ctx, id)
}

var errBadPartyID = errors.New("bad party id")

func parsePartyID(s string) (PartyID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, errBadPartyID
	}
	return PartyID(n), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
