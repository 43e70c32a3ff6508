package client

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/metrics"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

const (
	DefaultJoinTimeout       = 5 * time.Second
	DefaultJoinRetry         = time.Second
	DefaultHeartbeatInterval = time.Second
	DefaultInputInterval     = time.Second / 30
	DefaultPoll              = 100 * time.Millisecond
	ShutdownTimeout          = 2 * time.Second
)

type Config struct {
	JoinTimeout time.Duration
	// JoinRetry resends the join-request while waiting; the host answers a
	// repeated join from the same origin with the same id.
	JoinRetry         time.Duration
	HeartbeatInterval time.Duration
	InputInterval     time.Duration
	Poll              time.Duration
}

func DefaultConfig() Config {
	return Config{
		JoinTimeout:       DefaultJoinTimeout,
		JoinRetry:         DefaultJoinRetry,
		HeartbeatInterval: DefaultHeartbeatInterval,
		InputInterval:     DefaultInputInterval,
		Poll:              DefaultPoll,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.JoinRetry <= 0 {
		c.JoinRetry = d.JoinRetry
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.InputInterval <= 0 {
		c.InputInterval = d.InputInterval
	}
	if c.Poll <= 0 {
		c.Poll = d.Poll
	}
	return c
}

// Applier is the game engine's side of the world-state handoff.
type Applier interface {
	ApplyWorldSnapshot(types.WorldSnapshot)
}

// LobbyHandler receives lobby envelopes from the host.
type LobbyHandler interface {
	HandleEnvelope(env envelope.Envelope)
}

type options struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	notify  session.Notifier
	lobby   LobbyHandler
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithClock drives the heartbeat and input tickers.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithNotifier(n session.Notifier) Option { return func(o *options) { o.notify = n } }

func WithLobby(h LobbyHandler) Option { return func(o *options) { o.lobby = h } }

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	o.log = o.log.Named("client")
	if o.metrics == nil {
		o.metrics = metrics.Private()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.notify == nil {
		o.notify = session.Discard
	}
	return o
}
