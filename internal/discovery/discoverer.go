package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/internal/transport"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

type entry struct {
	origin   string
	hostIP   string
	ad       types.SessionAdvertisement
	lastSeen time.Time
}

func (e *entry) row() session.Advertised {
	return session.Advertised{
		Origin:    e.origin,
		HostIP:    e.hostIP,
		Name:      e.ad.Name,
		Occupancy: e.ad.Occupancy,
		Capacity:  e.ad.Capacity,
		Mode:      e.ad.Mode,
		Port:      e.ad.Port,
		LastSeen:  e.lastSeen.UnixMilli(),
	}
}

// Discoverer keeps the table of sessions advertised on the LAN. Every change
// is posted to the notifier as a full SessionsChanged table.
type Discoverer struct {
	cfg    Config
	notify session.Notifier
	opts   options

	mu       sync.RWMutex
	sessions map[string]*entry

	runMu   sync.Mutex
	running bool
	conn    *net.UDPConn
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewDiscoverer(cfg Config, notify session.Notifier, opts ...Option) *Discoverer {
	if notify == nil {
		notify = session.Discard
	}
	return &Discoverer{
		cfg:      cfg.withDefaults(),
		notify:   notify,
		opts:     buildOptions("discoverer", opts),
		sessions: make(map[string]*entry),
	}
}

// Start binds the discovery port and begins listening.
func (d *Discoverer) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return nil
	}

	addr := net.JoinHostPort(d.cfg.ListenIP, strconv.Itoa(d.cfg.Port))
	conn, err := transport.ListenDiscovery(ctx, addr)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	d.conn, d.cancel, d.group = conn, cancel, g
	d.running = true

	g.Go(func() error {
		d.loop(gctx, conn)
		return nil
	})

	d.opts.log.Info("discovery started", zap.Stringer("addr", conn.LocalAddr()))
	return nil
}

// Stop closes the socket and waits briefly for the loop. Idempotent.
func (d *Discoverer) Stop() error {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	conn, g := d.conn, d.group
	d.runMu.Unlock()

	cerr := conn.Close()
	err := session.JoinWithin(g.Wait, shutdownTimeout)
	if err == nil && cerr != nil && !transport.Closed(cerr) {
		err = cerr
	}
	d.opts.log.Info("discovery stopped")
	return err
}

// LocalAddr is the bound address, or nil before Start.
func (d *Discoverer) LocalAddr() net.Addr {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Sessions returns a copy of the table ordered by origin.
func (d *Discoverer) Sessions() []session.Advertised {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// Available is Sessions without full or stale entries.
func (d *Discoverer) Available() []session.Advertised {
	now := d.opts.clock.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]session.Advertised, 0, len(d.sessions))
	for _, e := range d.sessions {
		if now.Sub(e.lastSeen) > d.cfg.StaleAfter || e.ad.Occupancy >= e.ad.Capacity {
			continue
		}
		out = append(out, e.row())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

func (d *Discoverer) loop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, transport.ReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}

		pkt, err := transport.Read(conn, buf, d.cfg.Poll)
		switch {
		case err == nil:
			d.handle(pkt)
		case errors.Is(err, transport.ErrPollTimeout):
		case transport.Closed(err):
			return
		default:
			d.opts.log.Warn("discovery read failed", zap.Error(err))
		}

		d.purge()
	}
}

// handle upserts one advertisement. Anything that is not an advertisement is
// ignored; unrelated broadcast traffic is expected on a LAN.
func (d *Discoverer) handle(pkt transport.Packet) {
	env, err := envelope.Decode(pkt.Data)
	if err != nil {
		d.opts.metrics.DecodeFailures.WithLabelValues("discovery").Inc()
		return
	}
	if env.Kind != types.KindSessionAdvertisement {
		return
	}
	var ad types.SessionAdvertisement
	if err := env.Bind(&ad); err != nil {
		d.opts.metrics.DecodeFailures.WithLabelValues("discovery").Inc()
		return
	}
	d.opts.metrics.EnvelopesIn.WithLabelValues("discovery", string(env.Kind)).Inc()

	origin := pkt.Addr.String()
	now := d.opts.clock.Now()

	d.mu.Lock()
	if e, ok := d.sessions[origin]; ok {
		e.ad.Occupancy = ad.Occupancy
		e.lastSeen = now
	} else {
		d.sessions[origin] = &entry{
			origin:   origin,
			hostIP:   pkt.Addr.IP.String(),
			ad:       ad,
			lastSeen: now,
		}
		d.opts.log.Debug("session discovered", zap.String("origin", origin), zap.String("name", ad.Name))
	}
	table := d.snapshotLocked()
	d.mu.Unlock()

	d.opts.metrics.DiscoveredSessions.Set(float64(len(table)))
	d.notify.Post(session.SessionsChanged{Sessions: table})
}

// purge drops stale sessions and notifies only if something was removed.
func (d *Discoverer) purge() bool {
	now := d.opts.clock.Now()

	d.mu.Lock()
	removed := 0
	for origin, e := range d.sessions {
		if now.Sub(e.lastSeen) > d.cfg.StaleAfter {
			delete(d.sessions, origin)
			removed++
			d.opts.log.Debug("session expired", zap.String("origin", origin), zap.String("name", e.ad.Name))
		}
	}
	if removed == 0 {
		d.mu.Unlock()
		return false
	}
	table := d.snapshotLocked()
	d.mu.Unlock()

	d.opts.metrics.DiscoveredSessions.Set(float64(len(table)))
	d.notify.Post(session.SessionsChanged{Sessions: table})
	return true
}

func (d *Discoverer) snapshotLocked() []session.Advertised {
	out := make([]session.Advertised, 0, len(d.sessions))
	for _, e := range d.sessions {
		out = append(out, e.row())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}
