package host

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lanparty/internal/discovery"
	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/metrics"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

const (
	DefaultPort             = 12346
	DefaultCapacity         = 4
	DefaultPoll             = 100 * time.Millisecond
	DefaultHeartbeatTimeout = 3 * time.Second
	DefaultBroadcastHz      = 30
	ShutdownTimeout         = 2 * time.Second
)

type Config struct {
	// Port is the session port; zero binds an ephemeral one.
	Port     int
	ListenIP string
	// Capacity counts the host itself.
	Capacity int
	Mode     string

	HeartbeatTimeout time.Duration
	BroadcastHz      int
	Poll             time.Duration

	// Advertise turns on the discovery advertiser.
	Advertise bool
	Discovery discovery.Config
}

func DefaultConfig() Config {
	return Config{
		Port:             DefaultPort,
		Capacity:         DefaultCapacity,
		Mode:             discovery.DefaultMode,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		BroadcastHz:      DefaultBroadcastHz,
		Poll:             DefaultPoll,
		Advertise:        true,
		Discovery:        discovery.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.BroadcastHz <= 0 {
		c.BroadcastHz = d.BroadcastHz
	}
	if c.Poll <= 0 {
		c.Poll = d.Poll
	}
	// The advertiser fills its own timings but has no port to fall back on.
	if c.Discovery.Port <= 0 {
		c.Discovery.Port = d.Discovery.Port
	}
	if c.Discovery.BroadcastIP == "" {
		c.Discovery.BroadcastIP = d.Discovery.BroadcastIP
	}
	if c.Discovery.Interval <= 0 {
		c.Discovery.Interval = d.Discovery.Interval
	}
	if c.Discovery.StaleAfter <= 0 {
		c.Discovery.StaleAfter = d.Discovery.StaleAfter
	}
	if c.Discovery.Poll <= 0 {
		c.Discovery.Poll = d.Discovery.Poll
	}
	return c
}

// SnapshotSource is the game engine's side of the world-state broadcast. It
// is called once per broadcast tick from the broadcast loop.
type SnapshotSource interface {
	WorldSnapshot() types.WorldSnapshot
}

// Tracker is anything holding per-peer state that must drop an evicted peer.
type Tracker interface {
	Forget(peerID string)
}

// Lobby receives the selection envelopes peers send. Welcome is called once
// per accepted join, after the join-response went out, so a late joiner can
// be caught up on a lobby already in progress.
type Lobby interface {
	Tracker
	Submit(peerID string, env envelope.Envelope)
	Welcome(peerID string)
}

type options struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	notify  session.Notifier
	source  SnapshotSource
	tap     func(envelope.Envelope)
	newID   func() string
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithClock drives heartbeat ages and the broadcast ticker.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithNotifier(n session.Notifier) Option { return func(o *options) { o.notify = n } }

func WithSnapshotSource(s SnapshotSource) Option { return func(o *options) { o.source = s } }

// WithTap sees every envelope the host fans out to all peers.
func WithTap(fn func(envelope.Envelope)) Option { return func(o *options) { o.tap = fn } }

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	o.log = o.log.Named("host")
	if o.metrics == nil {
		o.metrics = metrics.Private()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.notify == nil {
		o.notify = session.Discard
	}
	if o.tap == nil {
		o.tap = func(envelope.Envelope) {}
	}
	if o.newID == nil {
		o.newID = newPeerID
	}
	return o
}
