package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type stats struct {
	sent     atomic.Int64
	acked    atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

var (
	baseURL   = flag.String("url", "http://localhost:8080", "relay base URL")
	pairCount = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("messages", 20, "messages per user")
)

func main() {
	flag.Parse()
	log, _ := zap.NewDevelopment()
	defer log.Sync()

	log.Info("🔥 STARTING STRESS TEST", zap.Int("users", *pairCount*2), zap.Int("messages_each", *msgCount))
	client := resty.New().SetBaseURL(*baseURL).SetTimeout(10 * time.Second)
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws"

	var st stats
	var wg sync.WaitGroup
	start := time.Now()

	// Pairs: user 0a talks to user 0b, 1a to 1b...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(log, client, wsURL, pairID, &st)
		}(i)
	}

	wg.Wait()
	log.Info("✅ LOAD TEST COMPLETE",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("acked", st.acked.Load()),
		zap.Int64("received", st.received.Load()),
		zap.Int64("failed", st.failed.Load()),
	)
}

func runPair(log *zap.Logger, client *resty.Client, wsURL string, pairID int, st *stats) {
	pass := "password123"
	a, err := authenticate(client, fmt.Sprintf("u_%d_a", pairID), pass)
	if err != nil {
		log.Warn("❌ auth failed", zap.Int("pair", pairID), zap.Error(err))
		return
	}
	b, err := authenticate(client, fmt.Sprintf("u_%d_b", pairID), pass)
	if err != nil {
		log.Warn("❌ auth failed", zap.Int("pair", pairID), zap.Error(err))
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(log, &wsWg, wsURL, a, b.ID, st)
	go spamChat(log, &wsWg, wsURL, b, a.ID, st)
	wsWg.Wait()
}

// authenticate registers (ignoring conflicts) and logs in.
func authenticate(client *resty.Client, username, password string) (AuthResponse, error) {
	creds := map[string]string{"username": username, "password": password}
	client.R().SetBody(creds).Post("/register")

	var out AuthResponse
	resp, err := client.R().SetBody(creds).SetResult(&out).Post("/login")
	if err != nil {
		return out, err
	}
	if resp.IsError() {
		return out, fmt.Errorf("login %s: %s", username, resp.Status())
	}
	return out, nil
}

func spamChat(log *zap.Logger, wg *sync.WaitGroup, wsURL string, me AuthResponse, peer int64, st *stats) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+me.Token, nil)
	if err != nil {
		log.Warn("❌ WS connect failed", zap.String("user", me.Username), zap.Error(err))
		st.failed.Add(1)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// acks for our own sends plus the peer's messages
		for want := *msgCount * 2; want > 0; want-- {
			conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Status string `json:"status"`
				ID     int64  `json:"id"`
			}
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			switch {
			case frame.ID != 0:
				st.received.Add(1)
			case frame.Status == "sent":
				st.acked.Add(1)
			default:
				st.failed.Add(1)
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		msg := map[string]any{
			"receiverId": peer,
			"content":    fmt.Sprintf("LoadTest Msg %d from %s", i, me.Username),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Warn("❌ send failed", zap.String("user", me.Username), zap.Error(err))
			st.failed.Add(1)
			break
		}
		st.sent.Add(1)
		time.Sleep(10 * time.Millisecond)
	}
	<-done
	log.Debug("finished", zap.String("user", me.Username))
}
