package lobby

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lanparty/internal/engine"
	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

var ErrLocked = errors.New("selection is locked while ready")
var ErrNothingPicked = errors.New("no resource picked")
var ErrNotAttached = errors.New("synchronizer has no sender")

// Sender is the send primitive a synchronizer submits through: the client
// session, or the authority's loopback on the host.
type Sender interface {
	Send(env envelope.Envelope) error
}

type SenderFunc func(env envelope.Envelope) error

func (f SenderFunc) Send(env envelope.Envelope) error { return f(env) }

type Status string

const (
	StatusPicking    Status = "picking"
	StatusConfirmed  Status = "confirmed"
	StatusConflicted Status = "conflicted"
)

// Snapshot is what the UI reads each frame.
type Snapshot struct {
	Open           bool
	Local          types.Resource
	Status         Status
	Ready          bool
	ConflictReason string
	Picks          map[string]types.Pick
	ReadyIDs       []string
}

// Synchronizer is one peer's view of the lobby: an optimistic local pick plus
// a cache of the host's table that every lobby-sync replaces wholesale.
type Synchronizer struct {
	notify session.Notifier
	log    *zap.Logger

	mu     sync.Mutex
	self   string
	sender Sender
	open   bool
	local  types.Resource
	status Status
	ready  bool
	reason string
	cache  engine.State
}

func NewSynchronizer(notify session.Notifier, log *zap.Logger) *Synchronizer {
	if notify == nil {
		notify = session.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		notify: notify,
		log:    log.Named("lobby"),
		status: StatusPicking,
		cache:  engine.NewEmptyState(),
	}
}

// Attach sets the peer id this synchronizer plays as and where submissions go.
// A client attaches after its join succeeds.
func (s *Synchronizer) Attach(self string, sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = self
	s.sender = sender
}

// Pick changes the local choice. Nothing is sent.
func (s *Synchronizer) Pick(r types.Resource) error {
	if !r.Valid() {
		return engine.ErrUnknownResource
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return ErrLocked
	}
	s.local = r
	s.status = StatusPicking
	s.reason = ""
	return nil
}

// Claim submits the local choice as resource-selected.
func (s *Synchronizer) Claim() error {
	s.mu.Lock()
	if s.local == "" {
		s.mu.Unlock()
		return ErrNothingPicked
	}
	if s.ready {
		s.mu.Unlock()
		return ErrLocked
	}
	sender, self, r := s.sender, s.self, s.local
	s.mu.Unlock()

	return s.send(sender, types.KindResourceSelected, self, r)
}

// Confirm checks the cached table and, unless another peer has already
// confirmed the local choice, marks this peer ready and sends
// selection-ready. An unconfirmed claim by someone else does not block it.
// The host re-checks against its own table.
func (s *Synchronizer) Confirm() error {
	s.mu.Lock()
	if s.local == "" {
		s.mu.Unlock()
		return ErrNothingPicked
	}
	if holder := engine.ReadyHolder(s.cache, s.local, s.self); holder != "" {
		r := s.local
		reason := fmt.Sprintf("%s is already taken by %s", r, holder)
		s.ready = false
		s.status = StatusConflicted
		s.reason = reason
		s.mu.Unlock()

		s.notify.Post(session.SelectionConflicted{ResourceID: r, Reason: reason})
		return fmt.Errorf("confirm %s: %w", r, engine.ErrResourceTaken)
	}
	s.ready = true
	s.status = StatusConfirmed
	s.reason = ""
	sender, self, r := s.sender, s.self, s.local
	s.mu.Unlock()

	return s.send(sender, types.KindSelectionReady, self, r)
}

func (s *Synchronizer) send(sender Sender, kind types.Kind, self string, r types.Resource) error {
	if sender == nil {
		return ErrNotAttached
	}
	env, err := envelope.New(kind, self, types.DefaultPick(r))
	if err != nil {
		return err
	}
	if err := sender.Send(env); err != nil {
		s.log.Warn("lobby send failed", zap.Stringer("kind", kind), zap.Error(err))
		return err
	}
	return nil
}

// HandleEnvelope applies a lobby envelope from the host. It is called from a
// network loop and never sends.
func (s *Synchronizer) HandleEnvelope(env envelope.Envelope) {
	switch env.Kind {
	case types.KindLobbyStart:
		s.mu.Lock()
		s.open = true
		s.mu.Unlock()
		s.notify.Post(session.LobbyOpened{})

	case types.KindLobbySync:
		var ls types.LobbySync
		if err := env.Bind(&ls); err != nil {
			s.log.Debug("bad lobby-sync", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.cache = engine.FromSync(ls)
		s.open = true
		if s.cache.Ready[s.self] {
			s.ready = true
			s.status = StatusConfirmed
			s.local = s.cache.Picks[s.self].ResourceID
			s.reason = ""
		}
		picks := engine.Sync(s.cache).Picks
		s.mu.Unlock()
		s.notify.Post(session.LobbyUpdated{Picks: picks, ReadyIDs: ls.ReadyIDs})

	case types.KindSelectionConflict:
		var sc types.SelectionConflict
		if err := env.Bind(&sc); err != nil {
			s.log.Debug("bad selection-conflict", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.ready = false
		s.status = StatusConflicted
		s.reason = sc.Reason
		s.mu.Unlock()
		s.notify.Post(session.SelectionConflicted{ResourceID: sc.ResourceID, Reason: sc.Reason})

	default:
		s.log.Debug("unexpected envelope", zap.Stringer("kind", env.Kind))
	}
}

func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := engine.Sync(s.cache)
	return Snapshot{
		Open:           s.open,
		Local:          s.local,
		Status:         s.status,
		Ready:          s.ready,
		ConflictReason: s.reason,
		Picks:          ls.Picks,
		ReadyIDs:       ls.ReadyIDs,
	}
}
