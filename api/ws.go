package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"go.aimuz.me/gesturekeys/internal/types"
)

const writeTimeout = 5 * time.Second

// handleStatusStream pushes DetectionStatus to a websocket client: the
// current value on connect, then every change. Slow clients only ever see
// the newest status.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("accept status stream", "error", err)
		return
	}
	defer conn.CloseNow()

	// Only writes go this way; CloseRead handles pings and notices when
	// the client goes away.
	ctx := conn.CloseRead(r.Context())

	updates := make(chan types.DetectionStatus, 1)
	push := func(st types.DetectionStatus) {
		for {
			select {
			case updates <- st:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	}
	unsubscribe := s.ctrl.Subscribe(push)
	defer unsubscribe()
	push(s.ctrl.Status())

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case st := <-updates:
			if err := writeStatus(ctx, conn, st); err != nil {
				slog.Debug("status stream closed", "error", err)
				return
			}
		}
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, st types.DetectionStatus) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, st)
}
