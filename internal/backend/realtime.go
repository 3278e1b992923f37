package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Realtime subscribes to row change events over the backend's Phoenix
// channel websocket.
type Realtime struct {
	url       string
	token     string
	Heartbeat time.Duration
	Dialer    *websocket.Dialer
	// OnJoined, when set, runs once the server acknowledges the channel
	// join. Inserts committed after that point are delivered.
	OnJoined func()
}

// Realtime returns a feed client. token, when set, is sent as the channel
// access token so row policies apply to the subscription.
func (c *Client) Realtime(token string) *Realtime {
	ws := c.baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	q := url.Values{}
	q.Set("apikey", c.apiKey)
	q.Set("vsn", "1.0.0")
	return &Realtime{
		url:       ws + "/realtime/v1/websocket?" + q.Encode(),
		token:     token,
		Heartbeat: 30 * time.Second,
		Dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

type phxMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

// SubscribeInserts joins realtime:public:<table> for INSERT events matching
// filter (for example "conversation_id=eq.42") and calls fn with each new
// record. It blocks until ctx is done or the connection fails.
func (r *Realtime) SubscribeInserts(ctx context.Context, table, filter string, fn func(record json.RawMessage)) error {
	conn, _, err := r.Dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("realtime dial: %w", err)
	}
	defer conn.Close()

	var (
		writeMu sync.Mutex
		ref     int
	)
	send := func(m phxMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ref++
		m.Ref = strconv.Itoa(ref)
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(m)
	}

	topic := "realtime:public:" + table
	change := map[string]any{"event": "INSERT", "schema": "public", "table": table}
	if filter != "" {
		change["filter"] = filter
	}
	join := map[string]any{
		"config": map[string]any{
			"postgres_changes": []any{change},
		},
	}
	if r.token != "" {
		join["access_token"] = r.token
	}
	if err := send(phxMessage{Topic: topic, Event: "phx_join", Payload: join, JoinRef: "1"}); err != nil {
		return fmt.Errorf("realtime join: %w", err)
	}
	joinRef, acked := strconv.Itoa(ref), false

	done := make(chan struct{})
	defer close(done)
	go func() {
		interval := r.Heartbeat
		if interval <= 0 {
			interval = 30 * time.Second
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				writeMu.Unlock()
				conn.Close()
				return
			case <-t.C:
				if err := send(phxMessage{Topic: "phoenix", Event: "heartbeat", Payload: map[string]any{}}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("realtime read: %w", err)
		}
		msg := gjson.ParseBytes(raw)
		if msg.Get("topic").String() != topic {
			continue
		}
		switch msg.Get("event").String() {
		case "phx_reply":
			switch msg.Get("payload.status").String() {
			case "error":
				return fmt.Errorf("realtime join rejected: %s", msg.Get("payload.response").Raw)
			case "ok":
				if !acked && msg.Get("ref").String() == joinRef {
					acked = true
					if r.OnJoined != nil {
						r.OnJoined()
					}
				}
			}
		case "phx_error", "phx_close":
			return errors.New("realtime channel closed by server")
		case "postgres_changes":
			data := msg.Get("payload.data")
			if data.Get("type").String() != "INSERT" {
				continue
			}
			if rec := data.Get("record"); rec.IsObject() {
				fn(json.RawMessage(rec.Raw))
			}
		case "INSERT":
			// Pre-config servers push the row directly.
			if rec := msg.Get("payload.record"); rec.IsObject() {
				fn(json.RawMessage(rec.Raw))
			}
		}
	}
}
