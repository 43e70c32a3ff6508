package lobby

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lanparty/internal/engine"
	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/metrics"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

// Host is the part of the host session manager the authority drives.
type Host interface {
	Send(peerID string, env envelope.Envelope) error
	Broadcast(env envelope.Envelope) error
	// PeerIDs lists every connected player, the host included.
	PeerIDs() []string
	// Activate moves the session to the active phase.
	Activate()
}

// Handler consumes lobby envelopes; the Synchronizer is the usual one.
type Handler interface {
	HandleEnvelope(env envelope.Envelope)
}

type Msg interface{ isLobbyMsg() }

// Submit carries one lobby envelope received from a peer.
type Submit struct {
	PeerID string
	Env    envelope.Envelope
}

func (Submit) isLobbyMsg() {}

// Forget removes an evicted peer from the picks and the ready set.
type Forget struct{ PeerID string }

func (Forget) isLobbyMsg() {}

// Welcome catches a newly joined peer up on a lobby already in progress.
type Welcome struct{ PeerID string }

func (Welcome) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type View struct {
	Version int
	State   engine.State
	Started bool
}

// Authority is the host's arbiter of the selection table. Every submission,
// the host's own included, goes through its inbox and is re-checked against
// the authoritative state before anything is committed.
type Authority struct {
	inbox   chan Msg
	state   engine.State
	version int
	opened  bool
	started bool

	minPlayers int

	host   Host
	local  Handler
	notify session.Notifier
	log    *zap.Logger
	m      *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Authority)

// WithLocal delivers broadcasts to the host's own synchronizer.
func WithLocal(h Handler) Option { return func(a *Authority) { a.local = h } }

func WithNotifier(n session.Notifier) Option { return func(a *Authority) { a.notify = n } }

func WithLogger(l *zap.Logger) Option { return func(a *Authority) { a.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(a *Authority) { a.m = m } }

// WithMinPlayers holds the game back until at least n players, the host
// included, are connected and ready. The default is 1.
func WithMinPlayers(n int) Option { return func(a *Authority) { a.minPlayers = n } }

func NewAuthority(parent context.Context, host Host, opts ...Option) *Authority {
	ctx, cancel := context.WithCancel(parent)

	a := &Authority{
		inbox:      make(chan Msg, 64),
		state:      engine.NewEmptyState(),
		minPlayers: 1,
		host:       host,
		notify:     session.Discard,
		log:        zap.NewNop(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.m == nil {
		a.m = metrics.Private()
	}
	a.log = a.log.Named("lobby")

	go a.loop()
	return a
}

// Done is closed once the loop has exited.
func (a *Authority) Done() <-chan struct{} { return a.done }

// Submit queues env from peerID. It never blocks past the authority's
// lifetime.
func (a *Authority) Submit(peerID string, env envelope.Envelope) {
	a.post(Submit{PeerID: peerID, Env: env})
}

// Forget is called by the host session manager on every eviction.
func (a *Authority) Forget(peerID string) {
	a.post(Forget{PeerID: peerID})
}

// Welcome is called by the host session manager after each accepted join.
func (a *Authority) Welcome(peerID string) {
	a.post(Welcome{PeerID: peerID})
}

// Loopback is the send primitive for the host's own synchronizer.
func (a *Authority) Loopback() SenderFunc {
	return func(env envelope.Envelope) error {
		select {
		case a.inbox <- Submit{PeerID: types.HostPeerID, Env: env}:
			return nil
		case <-a.ctx.Done():
			return a.ctx.Err()
		}
	}
}

// View returns a copy of the current state.
func (a *Authority) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case a.inbox <- GetState{Reply: reply}:
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-a.done:
		return View{}, errors.New("lobby closed")
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (a *Authority) Close() {
	a.cancel()
	<-a.done
}

func (a *Authority) post(m Msg) {
	select {
	case a.inbox <- m:
	case <-a.ctx.Done():
	}
}

func (a *Authority) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			return

		case m := <-a.inbox:
			switch msg := m.(type) {
			case Submit:
				a.handleSubmit(msg)

			case Forget:
				events, newState, _ := engine.Apply(a.state, engine.Command{Type: engine.CmdForget, PeerID: msg.PeerID})
				if len(events) > 0 {
					a.commit(newState)
				}
				// An eviction can complete the ready set.
				a.checkStart()

			case Welcome:
				a.welcome(msg.PeerID)

			case GetState:
				msg.Reply <- View{
					Version: a.version,
					State:   engine.Clone(a.state),
					Started: a.started,
				}

			case Shutdown:
				a.cancel()
				return
			}
		}
	}
}

func (a *Authority) handleSubmit(msg Submit) {
	switch msg.Env.Kind {
	case types.KindLobbyStart:
		if msg.PeerID != types.HostPeerID {
			a.log.Warn("lobby-start from non-host peer dropped", zap.String("peer_id", msg.PeerID))
			return
		}
		a.opened = true
		a.fanOut(msg.Env)
		a.notify.Post(session.LobbyOpened{})
		return

	case types.KindResourceSelected, types.KindSelectionReady:
	default:
		a.log.Debug("non-lobby envelope ignored", zap.String("peer_id", msg.PeerID), zap.Stringer("kind", msg.Env.Kind))
		return
	}

	var p types.Pick
	if err := msg.Env.Bind(&p); err != nil {
		a.notify.Post(session.ProtocolError{PeerID: msg.PeerID, Kind: msg.Env.Kind, Err: err})
		return
	}

	cmd := engine.Command{Type: engine.CmdSelect, PeerID: msg.PeerID, Pick: p}
	if msg.Env.Kind == types.KindSelectionReady {
		cmd.Type = engine.CmdReady
	}

	events, newState, err := engine.Apply(a.state, cmd)
	switch {
	case errors.Is(err, engine.ErrResourceTaken):
		holder := engine.Holder(a.state, p.ResourceID, msg.PeerID)
		a.m.LobbyConflicts.Inc()
		a.log.Info("selection conflict",
			zap.String("peer_id", msg.PeerID),
			zap.Stringer("resource", p.ResourceID),
			zap.String("holder", holder))
		a.reply(msg.PeerID, types.KindSelectionConflict, types.SelectionConflict{
			ResourceID: p.ResourceID,
			Reason:     fmt.Sprintf("%s is already taken by %s", p.ResourceID, holder),
		})
		return

	case errors.Is(err, engine.ErrUnknownResource):
		a.reply(msg.PeerID, types.KindSelectionConflict, types.SelectionConflict{
			ResourceID: p.ResourceID,
			Reason:     "unknown resource",
		})
		return

	case err != nil:
		a.log.Info("selection dropped",
			zap.String("peer_id", msg.PeerID),
			zap.Stringer("kind", msg.Env.Kind),
			zap.Error(err))
		return
	}

	if len(events) == 0 {
		// Retransmission; resend the table in case the last sync was lost.
		a.reply(msg.PeerID, types.KindLobbySync, engine.Sync(a.state))
		return
	}

	a.commit(newState)
	for _, ev := range events {
		if ev.Type != engine.EvtPickRevoked {
			continue
		}
		a.m.LobbyConflicts.Inc()
		a.log.Info("unconfirmed pick revoked",
			zap.String("peer_id", ev.PeerID),
			zap.Stringer("resource", ev.Pick.ResourceID),
			zap.String("confirmed_by", msg.PeerID))
		a.reply(ev.PeerID, types.KindSelectionConflict, types.SelectionConflict{
			ResourceID: ev.Pick.ResourceID,
			Reason:     fmt.Sprintf("%s was confirmed by %s", ev.Pick.ResourceID, msg.PeerID),
		})
	}
	if engine.ContainsEvent(events, engine.EvtPeerReady) {
		a.checkStart()
	}
}

// welcome unicasts lobby-start and the current table to a peer that joined
// after the lobby opened. Before that the peer gets lobby-start with
// everyone else.
func (a *Authority) welcome(peerID string) {
	if !a.opened || peerID == types.HostPeerID {
		return
	}
	a.log.Debug("catching up late joiner", zap.String("peer_id", peerID), zap.Int("version", a.version))
	a.reply(peerID, types.KindLobbyStart, types.LobbyStart{})
	a.reply(peerID, types.KindLobbySync, engine.Sync(a.state))
}

// commit installs s and sends the full table to every player.
func (a *Authority) commit(s engine.State) {
	a.state = s
	a.version++

	env, err := envelope.New(types.KindLobbySync, types.HostPeerID, engine.Sync(s))
	if err != nil {
		a.log.Error("build lobby-sync", zap.Error(err))
		return
	}
	a.fanOut(env)
	a.notify.Post(session.LobbyUpdated{Picks: engine.Sync(s).Picks, ReadyIDs: engine.ReadyIDs(s)})
}

// checkStart starts the game once the ready set equals the connected set.
func (a *Authority) checkStart() {
	if a.started {
		return
	}
	peers := a.host.PeerIDs()
	if len(peers) < a.minPlayers || !engine.AllReady(a.state, peers) {
		return
	}
	a.started = true
	a.log.Info("all players ready", zap.Int("players", len(a.state.Ready)))
	a.host.Activate()
	a.notify.Post(session.GameStarted{Picks: engine.Sync(a.state).Picks})
}

func (a *Authority) fanOut(env envelope.Envelope) {
	if err := a.host.Broadcast(env); err != nil {
		a.log.Warn("lobby broadcast incomplete", zap.Stringer("kind", env.Kind), zap.Error(err))
	}
	if a.local != nil {
		a.local.HandleEnvelope(env)
	}
}

func (a *Authority) reply(peerID string, kind types.Kind, payload any) {
	env, err := envelope.New(kind, types.HostPeerID, payload)
	if err != nil {
		a.log.Error("build lobby reply", zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	if peerID == types.HostPeerID {
		if a.local != nil {
			a.local.HandleEnvelope(env)
		}
		return
	}
	if err := a.host.Send(peerID, env); err != nil {
		a.log.Warn("lobby reply failed", zap.String("peer_id", peerID), zap.Stringer("kind", kind), zap.Error(err))
	}
}
