// Package signaling carries offer/answer and ICE candidates between the
// public API and the media engine. Browsers only ever talk to the control
// plane; it forwards each call over the engine's internal API.
package signaling

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/model"
)

// InternalKeyHeader authenticates the control plane to the media engine.
const InternalKeyHeader = "X-Internal-Key"

type StartResponse struct {
	Offer model.SessionDescription `json:"offer"`
}

type AnswerRequest struct {
	Answer model.SessionDescription `json:"answer"`
}

type CandidateRequest struct {
	Candidate model.ICECandidate `json:"candidate"`
}

type CandidatesResponse struct {
	Candidates []model.ICECandidate `json:"candidates"`
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 10 * time.Second
	readLimit  = 4096
)

// PumpEvents writes events to conn as JSON until the channel closes or the
// remote side goes away. Incoming messages are discarded.
func PumpEvents(conn *websocket.Conn, events <-chan model.SignalEvent, log *logging.Logger) {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(readLimit)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("events socket read")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
