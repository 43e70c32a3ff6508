// Package ws serves a read-only websocket feed of the session's broadcasts.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/hub"
	"github.com/DoyleJ11/lanparty/internal/logging"
)

const (
	writeTimeout = 3 * time.Second
	outboxSize   = 16
)

// Handler upgrades the request and streams every lobby-start, lobby-sync and
// world-state envelope the host broadcasts, encoded exactly as on the wire.
// Messages from the spectator are ignored.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	log = logging.OrNop(log).Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Spectators are LAN tools; page origins are not checked.
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.CloseNow()

		id := uuid.NewString()
		out := make(chan envelope.Envelope, outboxSize)
		if err := h.Subscribe(r.Context(), id, out); err != nil {
			conn.Close(websocket.StatusGoingAway, "session closed")
			return
		}
		defer h.Unsubscribe(id)
		log.Debug("spectator joined", zap.String("id", id), zap.String("remote", r.RemoteAddr))

		// CloseRead discards spectator messages and cancels ctx once the
		// peer goes away.
		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return

			case env, ok := <-out:
				if !ok {
					conn.Close(websocket.StatusTryAgainLater, "feed closed")
					return
				}
				b, err := envelope.Encode(env)
				if err != nil {
					log.Warn("encode for spectator", zap.Stringer("kind", env.Kind), zap.Error(err))
					continue
				}
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err = conn.Write(wctx, websocket.MessageText, b)
				cancel()
				if err != nil {
					log.Debug("spectator write failed", zap.String("id", id), zap.Error(err))
					return
				}
			}
		}
	}
}
