package health

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tiktrue/platform/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Health probes come from cluster peers, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the target-side websocket endpoint that answers the
// monitor's ping/heartbeat frames. stateFn reports the local lifecycle
// state included in pongs; nil means "running".
func Handler(stateFn func() string) http.Handler {
	logger := log.WithComponent("health-endpoint")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug().Err(err).Msg("Health upgrade failed")
			return
		}
		defer conn.Close()

		for {
			var frame pingFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}

			state := "running"
			if stateFn != nil {
				state = stateFn()
			}

			pong := pongFrame{Type: "pong", Status: state}
			if frame.Type == "heartbeat" {
				pong.Type = "heartbeat_ack"
			}
			if err := conn.WriteJSON(pong); err != nil {
				return
			}
		}
	})
}
