// Package config loads process settings from defaults, an optional .env file
// and LANPARTY_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/DoyleJ11/lanparty/internal/client"
	"github.com/DoyleJ11/lanparty/internal/discovery"
	"github.com/DoyleJ11/lanparty/internal/host"
)

const prefix = "LANPARTY_"

type Mode string

const (
	ModeHost   Mode = "host"
	ModeClient Mode = "client"
	ModeBrowse Mode = "browse"
)

var ErrBadMode = errors.New("mode must be host, client or browse")

type Config struct {
	Mode Mode
	// Name is the advertised session name for a host and the display name
	// for a client.
	Name string
	// HostAddr is the session a client joins; empty joins the first open
	// session found by discovery.
	HostAddr string

	ListenIP      string
	SessionPort   int
	DiscoveryPort int
	BroadcastIP   string
	Capacity      int
	GameMode      string

	AdvertiseInterval time.Duration
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	JoinTimeout       time.Duration
	BroadcastHz       int

	LogLevel  string
	LogFormat string
	// APIAddr serves the status API; empty disables it.
	APIAddr string
}

func Default() Config {
	return Config{
		Mode:              ModeHost,
		Name:              "LAN Party",
		SessionPort:       host.DefaultPort,
		DiscoveryPort:     discovery.DefaultPort,
		BroadcastIP:       "255.255.255.255",
		Capacity:          host.DefaultCapacity,
		GameMode:          discovery.DefaultMode,
		AdvertiseInterval: discovery.DefaultInterval,
		StaleAfter:        discovery.DefaultStaleAfter,
		HeartbeatInterval: client.DefaultHeartbeatInterval,
		HeartbeatTimeout:  host.DefaultHeartbeatTimeout,
		JoinTimeout:       client.DefaultJoinTimeout,
		BroadcastHz:       host.DefaultBroadcastHz,
		LogLevel:          "info",
		LogFormat:         "console",
		APIAddr:           ":8080",
	}
}

// Load applies .env files (".env" when none are named; a missing default file
// is fine) and then the process environment over Default.
func Load(files ...string) (Config, error) {
	fileVals := map[string]string{}
	optional := len(files) == 0
	if optional {
		files = []string{".env"}
	}
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if err != nil {
			if optional && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range vals {
			fileVals[k] = v
		}
	}

	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVals[key]
		return v, ok
	})
}

// FromLookup overlays every LANPARTY_* key lookup knows onto Default. All
// malformed values are reported together.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.str("MODE", (*string)(&c.Mode))
	p.str("NAME", &c.Name)
	p.str("HOST_ADDR", &c.HostAddr)
	p.str("LISTEN_IP", &c.ListenIP)
	p.integer("SESSION_PORT", &c.SessionPort)
	p.integer("DISCOVERY_PORT", &c.DiscoveryPort)
	p.str("BROADCAST_IP", &c.BroadcastIP)
	p.integer("CAPACITY", &c.Capacity)
	p.str("GAME_MODE", &c.GameMode)
	p.duration("ADVERTISE_INTERVAL", &c.AdvertiseInterval)
	p.duration("STALE_AFTER", &c.StaleAfter)
	p.duration("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	p.duration("HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)
	p.duration("JOIN_TIMEOUT", &c.JoinTimeout)
	p.integer("BROADCAST_HZ", &c.BroadcastHz)
	p.str("LOG_LEVEL", &c.LogLevel)
	p.str("LOG_FORMAT", &c.LogFormat)
	p.str("API_ADDR", &c.APIAddr)

	return c, multierr.Append(p.errs, c.Validate())
}

// Validate checks values no component can correct on its own.
func (c Config) Validate() error {
	var errs error
	switch c.Mode {
	case ModeHost, ModeClient, ModeBrowse:
	default:
		errs = multierr.Append(errs, fmt.Errorf("%w: got %q", ErrBadMode, c.Mode))
	}
	if c.Capacity < 2 {
		errs = multierr.Append(errs, fmt.Errorf("capacity %d: need room for at least one peer", c.Capacity))
	}
	for name, port := range map[string]int{"session port": c.SessionPort, "discovery port": c.DiscoveryPort} {
		if port < 0 || port > 65535 {
			errs = multierr.Append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	if c.HeartbeatInterval >= c.HeartbeatTimeout {
		errs = multierr.Append(errs, fmt.Errorf("heartbeat interval %v must be shorter than timeout %v",
			c.HeartbeatInterval, c.HeartbeatTimeout))
	}
	return errs
}

func (c Config) Discovery() discovery.Config {
	return discovery.Config{
		Port:        c.DiscoveryPort,
		BroadcastIP: c.BroadcastIP,
		ListenIP:    c.ListenIP,
		Interval:    c.AdvertiseInterval,
		StaleAfter:  c.StaleAfter,
		Poll:        discovery.DefaultPoll,
	}
}

func (c Config) Host() host.Config {
	return host.Config{
		Port:             c.SessionPort,
		ListenIP:         c.ListenIP,
		Capacity:         c.Capacity,
		Mode:             c.GameMode,
		HeartbeatTimeout: c.HeartbeatTimeout,
		BroadcastHz:      c.BroadcastHz,
		Poll:             host.DefaultPoll,
		Advertise:        true,
		Discovery:        c.Discovery(),
	}
}

func (c Config) Client() client.Config {
	cc := client.DefaultConfig()
	cc.JoinTimeout = c.JoinTimeout
	cc.HeartbeatInterval = c.HeartbeatInterval
	return cc
}

type parser struct {
	lookup func(string) (string, bool)
	errs   error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(prefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = multierr.Append(p.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return
	}
	*dst = n
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = multierr.Append(p.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return
	}
	*dst = d
}
