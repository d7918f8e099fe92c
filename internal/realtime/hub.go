package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ghostwriter/internal/log"
)

const writeTimeout = 5 * time.Second

// Hub streams a user's task changes over WebSocket.
type Hub struct {
	broker Broker
	opts   *websocket.AcceptOptions
}

func NewHub(broker Broker, originPatterns []string) *Hub {
	var opts *websocket.AcceptOptions
	if len(originPatterns) > 0 {
		opts = &websocket.AcceptOptions{OriginPatterns: originPatterns}
	}
	return &Hub{broker: broker, opts: opts}
}

// Serve upgrades the request and forwards every event whose task is owned
// by userID. Conversation filtering is left to the client.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID uint64) {
	entry := log.GetLogger().WithFields(logrus.Fields{"user_id": userID, "remote": r.RemoteAddr})

	conn, err := websocket.Accept(w, r, h.opts)
	if err != nil {
		// Accept has already answered the request
		entry.WithError(err).Warn("realtime accept")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// CloseRead handles control frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := h.broker.Subscribe(ctx)
	if err != nil {
		entry.WithError(err).Error("realtime subscribe")
		conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
		return
	}
	entry.Debug("realtime client connected")

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if e.Record.CreatedBy != userID {
				continue
			}
			raw, err := e.Encode()
			if err != nil {
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, raw)
			wcancel()
			if err != nil {
				entry.WithError(err).Debug("realtime write")
				return
			}
		}
	}
}
