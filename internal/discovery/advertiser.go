package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/internal/transport"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

// OccupancyFunc reports the current player count at each advertisement.
type OccupancyFunc func() int

// Advertiser periodically broadcasts one session-advertisement. It runs only
// on the hosting peer.
type Advertiser struct {
	cfg       Config
	info      types.SessionAdvertisement
	occupancy OccupancyFunc
	opts      options

	mu      sync.Mutex
	running bool
	conn    *net.UDPConn
	target  *net.UDPAddr
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewAdvertiser announces info; info.Occupancy is replaced by occupancy() on
// every tick when occupancy is non-nil.
func NewAdvertiser(cfg Config, info types.SessionAdvertisement, occupancy OccupancyFunc, opts ...Option) *Advertiser {
	if info.Mode == "" {
		info.Mode = DefaultMode
	}
	return &Advertiser{
		cfg:       cfg.withDefaults(),
		info:      info,
		occupancy: occupancy,
		opts:      buildOptions("advertiser", opts),
	}
}

func (a *Advertiser) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	target, err := transport.Resolve(net.JoinHostPort(a.cfg.BroadcastIP, strconv.Itoa(a.cfg.Port)))
	if err != nil {
		return err
	}
	conn, err := transport.Dial(ctx)
	if err != nil {
		return fmt.Errorf("start advertiser: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	a.conn, a.target, a.cancel, a.group = conn, target, cancel, g
	a.running = true

	g.Go(func() error {
		a.loop(gctx)
		return nil
	})

	a.opts.log.Info("advertising session",
		zap.String("name", a.info.Name),
		zap.Stringer("target", target),
		zap.Duration("interval", a.cfg.Interval))
	return nil
}

// Stop halts the loop and releases the socket. Safe to call repeatedly.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.cancel()
	conn, g := a.conn, a.group
	a.mu.Unlock()

	err := session.JoinWithin(g.Wait, shutdownTimeout)
	if cerr := conn.Close(); cerr != nil && !transport.Closed(cerr) && err == nil {
		err = cerr
	}
	a.opts.log.Info("advertising stopped", zap.String("name", a.info.Name))
	return err
}

func (a *Advertiser) loop(ctx context.Context) {
	ticker := a.opts.clock.Ticker(a.cfg.Interval)
	defer ticker.Stop()

	a.advertise()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.advertise()
		}
	}
}

// advertise sends one broadcast. Failures are logged and the next tick retries.
func (a *Advertiser) advertise() {
	info := a.info
	if a.occupancy != nil {
		info.Occupancy = a.occupancy()
	}

	env, err := envelope.New(types.KindSessionAdvertisement, "", info)
	if err != nil {
		a.opts.log.Error("build advertisement", zap.Error(err))
		return
	}
	b, err := envelope.Encode(env)
	if err != nil {
		a.opts.log.Error("encode advertisement", zap.Error(err))
		return
	}

	if _, err := a.conn.WriteToUDP(b, a.target); err != nil {
		a.opts.metrics.SendFailures.WithLabelValues("discovery").Inc()
		a.opts.log.Warn("advertisement send failed", zap.Stringer("target", a.target), zap.Error(err))
		return
	}
	a.opts.metrics.EnvelopesOut.WithLabelValues("discovery", string(types.KindSessionAdvertisement)).Inc()
}
