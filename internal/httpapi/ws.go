package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/agentworkforce/flowrelay/internal/relay"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	feedWriteTimeout = 5 * time.Second
	feedBacklog      = 20
)

// handleRunFeed upgrades to a websocket and streams run records: the recent
// history oldest first, then every update as it happens.
func (s *Server) handleRunFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("run feed upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	tracker := s.relay.Tracker()
	updates, unsubscribe := tracker.Subscribe()
	defer unsubscribe()

	// The feed is write only; CloseRead handles pings and the client's close frame.
	ctx := conn.CloseRead(r.Context())

	recent := tracker.List(feedBacklog)
	for i := len(recent) - 1; i >= 0; i-- {
		if err := writeFeedRecord(ctx, conn, recent[i]); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case record, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "tracker closed")
				return
			}
			if err := writeFeedRecord(ctx, conn, record); err != nil {
				s.logger.Debug("run feed write failed", "error", err)
				return
			}
		}
	}
}

func writeFeedRecord(ctx context.Context, conn *websocket.Conn, record relay.RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, record)
}
