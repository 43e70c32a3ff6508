package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lanparty/internal/engine"
	"github.com/DoyleJ11/lanparty/internal/host"
	"github.com/DoyleJ11/lanparty/internal/lobby"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

const lobbyTimeout = 2 * time.Second

// HostStatus is the slice of *host.Host the status API reads.
type HostStatus interface {
	Name() string
	Phase() session.Phase
	Occupancy() int
	Capacity() int
	Peers() []host.Peer
}

type LobbyViewer interface {
	View(ctx context.Context) (lobby.View, error)
}

// SpectatorCounter reports how many websocket spectators are watching.
type SpectatorCounter interface {
	Subscribers(ctx context.Context) (int, error)
}

type SessionBrowser interface {
	Sessions() []session.Advertised
	Available() []session.Advertised
}

type peerJSON struct {
	ID            string   `json:"id"`
	DisplayName   string   `json:"display_name"`
	Addr          string   `json:"addr"`
	LastHeartbeat int64    `json:"last_heartbeat_ms"`
	Pressed       []string `json:"pressed"`
}

type sessionJSON struct {
	Name       string     `json:"name"`
	Phase      string     `json:"phase"`
	Occupancy  int        `json:"occupancy"`
	Capacity   int        `json:"capacity"`
	Spectators int        `json:"spectators"`
	Peers      []peerJSON `json:"peers"`
}

type lobbyJSON struct {
	Version int  `json:"version"`
	Started bool `json:"started"`
	types.LobbySync
}

type advertJSON struct {
	Origin    string `json:"origin"`
	HostIP    string `json:"host_ip"`
	Name      string `json:"name"`
	Occupancy int    `json:"occupancy"`
	Capacity  int    `json:"capacity"`
	Mode      string `json:"mode"`
	Port      int    `json:"port"`
	LastSeen  int64  `json:"last_seen_ms"`
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// SessionStatus reports the hosted session. spectators may be nil.
func SessionStatus(h HostStatus, spectators SpectatorCounter, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := sessionJSON{
			Name:      h.Name(),
			Phase:     h.Phase().String(),
			Occupancy: h.Occupancy(),
			Capacity:  h.Capacity(),
			Peers:     []peerJSON{},
		}
		for _, p := range h.Peers() {
			pj := peerJSON{
				ID:            p.ID,
				DisplayName:   p.DisplayName,
				LastHeartbeat: p.LastHeartbeat.UnixMilli(),
				Pressed:       p.Pressed,
			}
			if p.Addr != nil {
				pj.Addr = p.Addr.String()
			}
			out.Peers = append(out.Peers, pj)
		}
		if spectators != nil {
			ctx, cancel := context.WithTimeout(r.Context(), lobbyTimeout)
			n, err := spectators.Subscribers(ctx)
			cancel()
			if err != nil {
				log.Debug("spectator count", zap.Error(err))
			}
			out.Spectators = n
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func LobbyState(l LobbyViewer, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), lobbyTimeout)
		defer cancel()
		v, err := l.View(ctx)
		if err != nil {
			log.Warn("lobby view", zap.Error(err))
			http.Error(w, "lobby unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, lobbyJSON{
			Version:   v.Version,
			Started:   v.Started,
			LobbySync: engine.Sync(v.State),
		})
	}
}

// Sessions lists the discovery table; ?available=1 hides full sessions.
func Sessions(b SessionBrowser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows := b.Sessions()
		if r.URL.Query().Get("available") != "" {
			rows = b.Available()
		}
		out := make([]advertJSON, 0, len(rows))
		for _, a := range rows {
			out = append(out, advertJSON(a))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
