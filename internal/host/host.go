package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/lanparty/internal/discovery"
	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/internal/transport"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

var ErrUnknownPeer = errors.New("unknown peer id")
var ErrAddrMismatch = errors.New("sender id does not match origin address")
var ErrNotRunning = errors.New("host is not running")

// Host is the authoritative session manager. It owns the peer registry and
// the session socket.
type Host struct {
	cfg   Config
	opts  options
	reg   *Registry
	phase *session.PhaseTracker

	mu       sync.Mutex
	running  bool
	conn     *net.UDPConn
	adv      *discovery.Advertiser
	cancel   context.CancelFunc
	group    *errgroup.Group
	name     string
	trackers []Tracker
	lobby    Lobby

	sendLog     rate.Sometimes
	oversizeLog rate.Sometimes
}

func New(cfg Config, opts ...Option) *Host {
	o := buildOptions(opts)
	return &Host{
		cfg:         cfg.withDefaults(),
		opts:        o,
		reg:         NewRegistry(o.newID),
		phase:       session.NewPhaseTracker(),
		sendLog:     rate.Sometimes{Interval: time.Second},
		oversizeLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Start binds the session socket, starts advertising sessionName and runs
// the receive and broadcast loops. A bind failure leaves nothing running.
func (h *Host) Start(ctx context.Context, sessionName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}

	conn, err := transport.ListenSession(ctx, net.JoinHostPort(h.cfg.ListenIP, strconv.Itoa(h.cfg.Port)))
	if err != nil {
		return fmt.Errorf("start host: %w", err)
	}

	var adv *discovery.Advertiser
	if h.cfg.Advertise {
		port := conn.LocalAddr().(*net.UDPAddr).Port
		adv = discovery.NewAdvertiser(h.cfg.Discovery, types.SessionAdvertisement{
			Name:     sessionName,
			Capacity: h.cfg.Capacity,
			Mode:     h.cfg.Mode,
			Port:     port,
		}, h.Occupancy,
			discovery.WithLogger(h.opts.log),
			discovery.WithMetrics(h.opts.metrics))
		if err := adv.Start(ctx); err != nil {
			_ = conn.Close()
			return fmt.Errorf("start host: %w", err)
		}
	}

	if err := h.phase.Advance(session.PhaseLobby); err != nil {
		_ = conn.Close()
		if adv != nil {
			_ = adv.Stop()
		}
		return fmt.Errorf("start host: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	h.conn, h.adv, h.cancel, h.group = conn, adv, cancel, g
	h.name = sessionName
	h.running = true
	h.opts.metrics.ConnectedPeers.Set(float64(h.Occupancy()))

	g.Go(func() error {
		h.receiveLoop(gctx, conn)
		return nil
	})
	g.Go(func() error {
		h.broadcastLoop(gctx)
		return nil
	})

	h.opts.log.Info("hosting session",
		zap.String("name", sessionName),
		zap.Stringer("addr", conn.LocalAddr()),
		zap.Int("capacity", h.cfg.Capacity))
	return nil
}

// Stop tells every peer the host is leaving, then tears down. Safe to call
// more than once; it never waits longer than ShutdownTimeout for the loops.
func (h *Host) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	conn, adv, cancel, g := h.conn, h.adv, h.cancel, h.group
	h.mu.Unlock()

	var err error
	if bye, berr := envelope.New(types.KindDisconnect, types.HostPeerID, types.Disconnect{Reason: types.ReasonHostShutdown}); berr == nil {
		if b, eerr := envelope.Encode(bye); eerr == nil {
			for id, addr := range h.reg.Targets() {
				if _, werr := conn.WriteToUDP(b, addr); werr != nil {
					h.opts.log.Debug("shutdown notice failed", zap.String("peer_id", id), zap.Error(werr))
				}
			}
		}
	}

	if adv != nil {
		err = multierr.Append(err, adv.Stop())
	}
	cancel()
	if cerr := conn.Close(); cerr != nil && !transport.Closed(cerr) {
		err = multierr.Append(err, cerr)
	}
	err = multierr.Append(err, session.JoinWithin(g.Wait, ShutdownTimeout))

	_ = h.phase.Advance(session.PhaseTerminated)
	h.opts.metrics.ConnectedPeers.Set(0)
	h.opts.log.Info("session closed", zap.String("name", h.name))
	return err
}

// Register adds a tracker that must forget evicted peers.
func (h *Host) Register(t Tracker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trackers = append(h.trackers, t)
}

// SetLobby routes selection envelopes to l and registers it as a tracker.
func (h *Host) SetLobby(l Lobby) {
	h.mu.Lock()
	h.lobby = l
	h.mu.Unlock()
	h.Register(l)
}

// StartLobby opens the selection phase on every peer.
func (h *Host) StartLobby() error {
	env, err := envelope.New(types.KindLobbyStart, types.HostPeerID, types.LobbyStart{})
	if err != nil {
		return err
	}
	h.mu.Lock()
	l := h.lobby
	h.mu.Unlock()
	if l != nil {
		l.Submit(types.HostPeerID, env)
		return nil
	}
	return h.Broadcast(env)
}

// Activate starts world-state broadcasting.
func (h *Host) Activate() {
	if err := h.phase.Advance(session.PhaseActive); err != nil {
		h.opts.log.Warn("activate", zap.Error(err))
		return
	}
	h.opts.log.Info("game active", zap.Int("players", h.Occupancy()))
}

func (h *Host) Phase() session.Phase { return h.phase.Current() }

// LocalAddr is the bound session address, or nil before Start.
func (h *Host) LocalAddr() *net.UDPAddr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	return h.conn.LocalAddr().(*net.UDPAddr)
}

// Occupancy counts connected players, the host included.
func (h *Host) Occupancy() int { return h.reg.Len() + 1 }

func (h *Host) Capacity() int { return h.cfg.Capacity }

// Name is the advertised session name, empty before Start.
func (h *Host) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

func (h *Host) Peers() []Peer { return h.reg.Peers() }

// PeerIDs lists every connected player including the host, sorted.
func (h *Host) PeerIDs() []string {
	ids := append(h.reg.IDs(), types.HostPeerID)
	slices.Sort(ids)
	return ids
}

// PressedKeys is the aggregated key set the game reads each frame.
func (h *Host) PressedKeys(peerID string) []string {
	p, ok := h.reg.Get(peerID)
	if !ok {
		return nil
	}
	return p.Pressed
}

// Send delivers env to one peer.
func (h *Host) Send(peerID string, env envelope.Envelope) error {
	p, ok := h.reg.Get(peerID)
	if !ok {
		return fmt.Errorf("send %s: %w: %s", env.Kind, ErrUnknownPeer, peerID)
	}
	b, err := h.encode(env)
	if err != nil {
		return err
	}
	return h.write(p.ID, p.Addr, env.Kind, b)
}

// Broadcast sends env to every connected peer. One failed peer does not stop
// the others; all failures are returned together.
func (h *Host) Broadcast(env envelope.Envelope) error {
	b, err := h.encode(env)
	if err != nil {
		return err
	}
	h.opts.tap(env)

	var errs error
	for id, addr := range h.reg.Targets() {
		errs = multierr.Append(errs, h.write(id, addr, env.Kind, b))
	}
	return errs
}

func (h *Host) encode(env envelope.Envelope) ([]byte, error) {
	b, err := envelope.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	if envelope.Oversize(b) {
		h.oversizeLog.Do(func() {
			h.opts.log.Warn("envelope exceeds safe datagram size",
				zap.Stringer("kind", env.Kind),
				zap.Int("bytes", len(b)),
				zap.Int("max", envelope.MaxSize))
		})
	}
	return b, nil
}

func (h *Host) write(peerID string, addr *net.UDPAddr, kind types.Kind, b []byte) error {
	h.mu.Lock()
	conn := h.conn
	running := h.running
	h.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	if _, err := conn.WriteToUDP(b, addr); err != nil {
		h.opts.metrics.SendFailures.WithLabelValues("host").Inc()
		h.sendLog.Do(func() {
			h.opts.log.Warn("send failed",
				zap.String("peer_id", peerID),
				zap.Stringer("kind", kind),
				zap.Error(err))
		})
		return fmt.Errorf("send %s to %s: %w", kind, peerID, err)
	}
	h.opts.metrics.EnvelopesOut.WithLabelValues("host", string(kind)).Inc()
	return nil
}

func (h *Host) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, transport.ReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}

		pkt, err := transport.Read(conn, buf, h.cfg.Poll)
		switch {
		case err == nil:
			h.handle(pkt)
		case errors.Is(err, transport.ErrPollTimeout):
		case transport.Closed(err):
			return
		default:
			h.opts.log.Debug("session read failed", zap.Error(err))
		}

		h.checkTimeouts()
	}
}

func (h *Host) broadcastLoop(ctx context.Context) {
	ticker := h.opts.clock.Ticker(time.Second / time.Duration(h.cfg.BroadcastHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.phase.Current() != session.PhaseActive || h.opts.source == nil {
				continue
			}
			env, err := envelope.New(types.KindWorldState, types.HostPeerID, h.opts.source.WorldSnapshot())
			if err != nil {
				h.opts.log.Error("build world-state", zap.Error(err))
				continue
			}
			// Failures are already logged per peer.
			_ = h.Broadcast(env)
		}
	}
}

func (h *Host) handle(pkt transport.Packet) {
	env, err := envelope.Decode(pkt.Data)
	if err != nil {
		h.opts.metrics.DecodeFailures.WithLabelValues("host").Inc()
		h.opts.log.Debug("dropped undecodable packet", zap.Stringer("from", pkt.Addr), zap.Error(err))
		return
	}
	h.opts.metrics.EnvelopesIn.WithLabelValues("host", string(env.Kind)).Inc()

	if env.Kind == types.KindJoinRequest {
		h.handleJoin(pkt.Addr, env)
		return
	}

	peer, ok := h.reg.Get(env.SenderID)
	if !ok {
		h.opts.notify.Post(session.ProtocolError{PeerID: env.SenderID, Kind: env.Kind, Err: ErrUnknownPeer})
		return
	}
	if peer.Addr.String() != pkt.Addr.String() {
		h.opts.notify.Post(session.ProtocolError{PeerID: env.SenderID, Kind: env.Kind, Err: ErrAddrMismatch})
		return
	}
	now := h.opts.clock.Now()

	switch env.Kind {
	case types.KindHeartbeat:
		h.reg.Touch(peer.ID, now)

	case types.KindPlayerInput:
		var in types.PlayerInput
		if err := env.Bind(&in); err != nil {
			h.opts.notify.Post(session.ProtocolError{PeerID: peer.ID, Kind: env.Kind, Err: err})
			return
		}
		h.reg.ApplyInput(peer.ID, in.KeysPressed, in.KeysReleased, now)
		h.opts.notify.Post(session.InputReceived{PeerID: peer.ID, Pressed: in.KeysPressed, Released: in.KeysReleased})

	case types.KindDisconnect:
		var d types.Disconnect
		_ = env.Bind(&d)
		if d.Reason == "" {
			d.Reason = types.ReasonUserQuit
		}
		h.evict(peer.ID, d.Reason, false)

	case types.KindResourceSelected, types.KindSelectionReady:
		h.reg.Touch(peer.ID, now)
		h.mu.Lock()
		l := h.lobby
		h.mu.Unlock()
		if l == nil {
			h.opts.log.Debug("selection with no lobby attached", zap.String("peer_id", peer.ID))
			return
		}
		l.Submit(peer.ID, env)

	default:
		h.reg.Touch(peer.ID, now)
		h.opts.notify.Post(session.ProtocolError{
			PeerID: peer.ID,
			Kind:   env.Kind,
			Err:    fmt.Errorf("unexpected %s from peer", env.Kind),
		})
	}
}

func (h *Host) handleJoin(from *net.UDPAddr, env envelope.Envelope) {
	var req types.JoinRequest
	if err := env.Bind(&req); err != nil {
		h.opts.notify.Post(session.ProtocolError{Kind: env.Kind, Err: err})
		return
	}

	// A retried join from a registered origin gets the same id back.
	if p, ok := h.reg.ByAddr(from); ok {
		h.reg.Touch(p.ID, h.opts.clock.Now())
		h.replyJoin(from, types.JoinResponse{Success: true, PeerID: p.ID})
		return
	}

	if h.Occupancy() >= h.cfg.Capacity {
		h.opts.log.Info("join rejected",
			zap.String("display_name", req.DisplayName),
			zap.Stringer("addr", from),
			zap.String("reason", types.ReasonSessionFull))
		h.replyJoin(from, types.JoinResponse{Success: false, Reason: types.ReasonSessionFull})
		return
	}

	p := h.reg.Add(from, req.DisplayName, h.opts.clock.Now())
	h.replyJoin(from, types.JoinResponse{Success: true, PeerID: p.ID})
	h.opts.metrics.ConnectedPeers.Set(float64(h.Occupancy()))
	h.opts.log.Info("peer joined",
		zap.String("peer_id", p.ID),
		zap.String("display_name", p.DisplayName),
		zap.Stringer("addr", from))

	h.mu.Lock()
	l := h.lobby
	h.mu.Unlock()
	if l != nil {
		l.Welcome(p.ID)
	}
	h.opts.notify.Post(session.PeerJoined{PeerID: p.ID, DisplayName: p.DisplayName, Addr: from.String()})
}

func (h *Host) replyJoin(to *net.UDPAddr, resp types.JoinResponse) {
	env, err := envelope.New(types.KindJoinResponse, types.HostPeerID, resp)
	if err != nil {
		h.opts.log.Error("build join-response", zap.Error(err))
		return
	}
	b, err := h.encode(env)
	if err != nil {
		h.opts.log.Error("encode join-response", zap.Error(err))
		return
	}
	_ = h.write(resp.PeerID, to, env.Kind, b)
}

func (h *Host) checkTimeouts() {
	for _, id := range h.reg.Expired(h.opts.clock.Now(), h.cfg.HeartbeatTimeout) {
		h.evict(id, types.ReasonTimeout, true)
	}
}

// evict removes id and tells every tracker. The leave event fires once per
// peer no matter how many paths race to remove it.
func (h *Host) evict(id, reason string, notifyPeer bool) {
	p, ok := h.reg.Remove(id)
	if !ok {
		return
	}

	if notifyPeer {
		if env, err := envelope.New(types.KindDisconnect, types.HostPeerID, types.Disconnect{Reason: reason}); err == nil {
			if b, err := h.encode(env); err == nil {
				_ = h.write(id, p.Addr, env.Kind, b)
			}
		}
	}

	h.mu.Lock()
	trackers := append([]Tracker(nil), h.trackers...)
	h.mu.Unlock()
	for _, t := range trackers {
		t.Forget(id)
	}

	h.opts.metrics.Evictions.WithLabelValues(reason).Inc()
	h.opts.metrics.ConnectedPeers.Set(float64(h.Occupancy()))
	h.opts.log.Info("peer left", zap.String("peer_id", id), zap.String("reason", reason))
	h.opts.notify.Post(session.PeerLeft{PeerID: id, Reason: reason})
}
