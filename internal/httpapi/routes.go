package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lanparty/internal/hub"
	"github.com/DoyleJ11/lanparty/internal/logging"
	"github.com/DoyleJ11/lanparty/internal/ws"
)

// Deps are the components a process exposes. Nil fields leave their routes
// unregistered, so a browse-only process serves /sessions but not /lobby.
type Deps struct {
	Host     HostStatus
	Lobby    LobbyViewer
	Browser  SessionBrowser
	Hub      *hub.Hub
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := logging.OrNop(d.Log).Named("http")

	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	if d.Host != nil {
		var spectators SpectatorCounter
		if d.Hub != nil {
			spectators = d.Hub
		}
		r.Get("/session", SessionStatus(d.Host, spectators, log))
	}
	if d.Lobby != nil {
		r.Get("/lobby", LobbyState(d.Lobby, log))
	}
	if d.Browser != nil {
		r.Get("/sessions", Sessions(d.Browser))
	}
	if d.Hub != nil {
		r.Get("/ws", ws.Handler(d.Hub, log))
	}
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}
