package discovery

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lanparty/internal/metrics"
)

const (
	DefaultPort       = 12345
	DefaultMode       = "pvp"
	DefaultInterval   = 2 * time.Second
	DefaultStaleAfter = 5 * time.Second
	DefaultPoll       = time.Second
	shutdownTimeout   = 2 * time.Second
)

type Config struct {
	// Port the discoverer listens on and the advertiser targets. Zero lets a
	// discoverer bind an ephemeral port.
	Port int
	// BroadcastIP is where advertisements are sent; 255.255.255.255 on a LAN,
	// 127.0.0.1 in tests.
	BroadcastIP string
	// ListenIP restricts the discoverer's bind address; empty binds all.
	ListenIP string
	// Interval between advertisements.
	Interval time.Duration
	// StaleAfter is how long a session may go unrefreshed before it is purged.
	StaleAfter time.Duration
	// Poll bounds each blocking read so purges and shutdown are timely.
	Poll time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:        DefaultPort,
		BroadcastIP: "255.255.255.255",
		Interval:    DefaultInterval,
		StaleAfter:  DefaultStaleAfter,
		Poll:        DefaultPoll,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BroadcastIP == "" {
		c.BroadcastIP = d.BroadcastIP
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.Poll <= 0 {
		c.Poll = d.Poll
	}
	return c
}

type options struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithClock replaces the wall clock used for LastSeen and staleness.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func buildOptions(name string, opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	o.log = o.log.Named(name)
	if o.metrics == nil {
		o.metrics = metrics.Private()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	return o
}
