package health

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Pinger performs one liveness probe against a target address and
// returns the round-trip time.
type Pinger interface {
	Ping(kind TargetKind, targetID, address string, timeout time.Duration) (time.Duration, error)
}

// pingFrame is the framed heartbeat message. Networks receive a plain
// ping; workers get a heartbeat carrying their id.
type pingFrame struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id,omitempty"`
}

type pongFrame struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
}

// WebsocketPinger probes targets over a websocket connection to the
// target's health endpoint.
type WebsocketPinger struct {
	dialer *websocket.Dialer
}

// NewWebsocketPinger creates the production pinger
func NewWebsocketPinger() *WebsocketPinger {
	return &WebsocketPinger{
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Ping dials ws://<address>/health, sends the typed frame and waits for
// a pong frame within the timeout.
func (p *WebsocketPinger) Ping(kind TargetKind, targetID, address string, timeout time.Duration) (time.Duration, error) {
	endpoint := url.URL{Scheme: "ws", Host: address, Path: "/health"}

	start := time.Now()
	conn, _, err := p.dialer.Dial(endpoint.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	frame := pingFrame{Type: "ping"}
	if kind == KindWorker {
		frame = pingFrame{Type: "heartbeat", WorkerID: targetID}
	}

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteJSON(frame); err != nil {
		return 0, fmt.Errorf("failed to send ping: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("no pong: %w", err)
	}

	var pong pongFrame
	if err := json.Unmarshal(data, &pong); err != nil {
		return 0, fmt.Errorf("malformed pong: %w", err)
	}
	if pong.Type != "pong" && pong.Type != "heartbeat_ack" {
		return 0, fmt.Errorf("unexpected frame type %q", pong.Type)
	}

	return time.Since(start), nil
}
