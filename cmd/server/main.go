package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/lanparty/internal/client"
	"github.com/DoyleJ11/lanparty/internal/config"
	"github.com/DoyleJ11/lanparty/internal/discovery"
	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/host"
	"github.com/DoyleJ11/lanparty/internal/httpapi"
	"github.com/DoyleJ11/lanparty/internal/hub"
	"github.com/DoyleJ11/lanparty/internal/lobby"
	"github.com/DoyleJ11/lanparty/internal/logging"
	"github.com/DoyleJ11/lanparty/internal/metrics"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

const frameInterval = time.Second / 60

func main() {
	envFile := flag.String("env", "", "settings file (default ./.env if present)")
	mode := flag.String("mode", "", "host, client or browse")
	name := flag.String("name", "", "session name (host) or display name (client)")
	hostAddr := flag.String("host", "", "ip:port to join; empty joins the first open session")
	apiAddr := flag.String("api", "", "status API address, \"off\" to disable")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *mode != "" {
		cfg.Mode = config.Mode(*mode)
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *hostAddr != "" {
		cfg.HostAddr = *hostAddr
	}
	switch *apiAddr {
	case "":
	case "off":
		cfg.APIAddr = ""
	default:
		cfg.APIAddr = *apiAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	switch cfg.Mode {
	case config.ModeHost:
		err = runHost(ctx, cfg, logger, m, reg)
	case config.ModeClient:
		err = runClient(ctx, cfg, logger, m, reg)
	case config.ModeBrowse:
		err = runBrowse(ctx, cfg, logger, m, reg)
	}
	if err != nil {
		logger.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func runHost(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics, reg *prometheus.Registry) error {
	events := session.NewQueue(0)
	spectators := hub.NewHub(ctx, log)
	defer spectators.Close()

	var slot session.SnapshotSlot
	h := host.New(cfg.Host(),
		host.WithLogger(log),
		host.WithMetrics(m),
		host.WithNotifier(events),
		host.WithSnapshotSource(&slot),
		host.WithTap(func(env envelope.Envelope) { spectators.Publish(env) }))

	mine := lobby.NewSynchronizer(events, log)
	auth := lobby.NewAuthority(ctx, h,
		lobby.WithLocal(mine),
		lobby.WithNotifier(events),
		lobby.WithLogger(log),
		lobby.WithMetrics(m),
		lobby.WithMinPlayers(2))
	defer auth.Close()
	mine.Attach(types.HostPeerID, auth.Loopback())
	h.SetLobby(auth)

	if err := h.Start(ctx, cfg.Name); err != nil {
		return err
	}
	defer func() {
		if err := h.Stop(); err != nil {
			log.Warn("host stop", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.APIAddr != "" {
		routes := httpapi.SetupRoutes(httpapi.Deps{Host: h, Lobby: auth, Hub: spectators, Gatherer: reg, Log: log})
		g.Go(func() error { return serveAPI(gctx, cfg.APIAddr, routes, log) })
	}
	g.Go(func() error {
		world := newArena()
		frames := time.NewTicker(frameInterval)
		defer frames.Stop()
		lobbyOpen := false
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-frames.C:
			}
			for _, ev := range events.Drain() {
				logEvent(log, ev)
				switch ev.(type) {
				case session.PeerJoined:
					// Later joiners are caught up by the authority.
					if !lobbyOpen {
						if err := h.StartLobby(); err != nil {
							return err
						}
						lobbyOpen = true
					}
				case session.LobbyOpened, session.LobbyUpdated, session.SelectionConflicted:
					autoPick(mine, log)
				}
			}
			if h.Phase() == session.PhaseActive {
				world.step(h.PeerIDs(), h.PressedKeys)
				slot.Publish(world.snapshot())
			}
		}
	})
	return g.Wait()
}

func runClient(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics, reg *prometheus.Registry) error {
	addr := cfg.HostAddr
	if addr == "" {
		var err error
		if addr, err = findSession(ctx, cfg, log, m); err != nil {
			return err
		}
	}

	events := session.NewQueue(0)
	mine := lobby.NewSynchronizer(events, log)
	c := client.New(cfg.Client(),
		client.WithLogger(log),
		client.WithMetrics(m),
		client.WithNotifier(events),
		client.WithLobby(mine))
	if err := c.Connect(ctx, addr, cfg.Name); err != nil {
		return err
	}
	defer func() {
		if err := c.Disconnect(); err != nil {
			log.Warn("disconnect", zap.Error(err))
		}
	}()
	mine.Attach(c.PeerID(), c)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.APIAddr != "" {
		routes := httpapi.SetupRoutes(httpapi.Deps{Gatherer: reg, Log: log})
		g.Go(func() error { return serveAPI(gctx, cfg.APIAddr, routes, log) })
	}
	g.Go(func() error {
		world := newArena()
		frames := time.NewTicker(frameInterval)
		defer frames.Stop()
		steer := time.NewTicker(time.Second)
		defer steer.Stop()
		holding := false
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-steer.C:
				if c.Phase() == session.PhaseActive {
					if holding {
						c.Release("right")
					} else {
						c.Press("right")
					}
					holding = !holding
				}
			case <-frames.C:
			}
			for _, ev := range events.Drain() {
				logEvent(log, ev)
				switch ev.(type) {
				case session.Disconnected:
					// Ends the errgroup so the API server shuts down too.
					return errSessionEnded
				case session.LobbyOpened, session.LobbyUpdated, session.SelectionConflicted:
					autoPick(mine, log)
				}
			}
			if c.ApplyPending(world) {
				log.Debug("world applied", zap.Int("entities", world.entities()))
			}
		}
	})
	if err := g.Wait(); !errors.Is(err, errSessionEnded) {
		return err
	}
	return nil
}

var errSessionEnded = errors.New("session ended")

// findSession waits for the first advertised session with room.
func findSession(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics) (string, error) {
	events := session.NewQueue(0)
	d := discovery.NewDiscoverer(cfg.Discovery(), events, discovery.WithLogger(log), discovery.WithMetrics(m))
	if err := d.Start(ctx); err != nil {
		return "", err
	}
	defer func() { _ = d.Stop() }()

	wait := 2*cfg.AdvertiseInterval + cfg.JoinTimeout
	log.Info("looking for a session", zap.Duration("wait", wait))
	deadline := time.After(wait)
	for {
		if open := d.Available(); len(open) > 0 {
			s := open[0]
			log.Info("joining discovered session", zap.String("name", s.Name), zap.String("host", s.HostIP))
			return net.JoinHostPort(s.HostIP, strconv.Itoa(s.Port)), nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", fmt.Errorf("no open session found within %v", wait)
		case <-events.Ready():
			events.Drain()
		}
	}
}

func runBrowse(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics, reg *prometheus.Registry) error {
	events := session.NewQueue(0)
	d := discovery.NewDiscoverer(cfg.Discovery(), events, discovery.WithLogger(log), discovery.WithMetrics(m))
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = d.Stop() }()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.APIAddr != "" {
		routes := httpapi.SetupRoutes(httpapi.Deps{Browser: d, Gatherer: reg, Log: log})
		g.Go(func() error { return serveAPI(gctx, cfg.APIAddr, routes, log) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-events.Ready():
			}
			for _, ev := range events.Drain() {
				logEvent(log, ev)
			}
		}
	})
	return g.Wait()
}

func serveAPI(ctx context.Context, addr string, routes http.Handler, log *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: routes, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("status API listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return fmt.Errorf("status API: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logEvent(log *zap.Logger, ev session.Event) {
	switch e := ev.(type) {
	case session.SessionsChanged:
		log.Info("sessions", zap.Int("count", len(e.Sessions)))
		for _, s := range e.Sessions {
			log.Info("session",
				zap.String("name", s.Name),
				zap.String("host", s.HostIP),
				zap.Int("port", s.Port),
				zap.String("occupancy", fmt.Sprintf("%d/%d", s.Occupancy, s.Capacity)),
				zap.String("mode", s.Mode))
		}
	case session.PeerJoined:
		log.Info("peer joined", zap.String("peer_id", e.PeerID), zap.String("name", e.DisplayName))
	case session.PeerLeft:
		log.Info("peer left", zap.String("peer_id", e.PeerID), zap.String("reason", e.Reason))
	case session.ProtocolError:
		log.Debug("protocol error", zap.String("peer_id", e.PeerID), zap.Stringer("kind", e.Kind), zap.Error(e.Err))
	case session.GameStarted:
		log.Info("game started", zap.Int("players", len(e.Picks)))
	case session.Connected:
		log.Info("connected", zap.String("peer_id", e.PeerID))
	case session.Disconnected:
		log.Info("disconnected", zap.String("reason", e.Reason))
	case session.SelectionConflicted:
		log.Info("selection refused", zap.Stringer("resource", e.ResourceID), zap.String("reason", e.Reason))
	case session.LobbyUpdated:
		log.Debug("lobby updated", zap.Int("picks", len(e.Picks)), zap.Strings("ready", e.ReadyIDs))
	}
}
