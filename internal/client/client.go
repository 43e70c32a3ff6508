package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/internal/transport"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

var ErrJoinTimeout = errors.New("no join-response before timeout")
var ErrNotConnected = errors.New("client is not connected")
var ErrAlreadyUsed = errors.New("client already connected once")

// RejectedError is returned by Connect when the host refuses the join.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "join rejected: " + e.Reason }

type State int32

const (
	StateIdle State = iota
	StateJoining
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateJoining:
		return "JOINING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "INVALID"
	}
}

// Client is one joining peer's session manager. A Client connects at most
// once; DISCONNECTED is terminal.
type Client struct {
	cfg   Config
	opts  options
	phase *session.PhaseTracker
	slot  session.SnapshotSlot

	mu        sync.Mutex
	state     State
	conn      *net.UDPConn
	host      *net.UDPAddr
	peerID    string
	cancel    context.CancelFunc
	group     *errgroup.Group
	pressed   map[string]struct{}
	toPress   []string
	toRelease []string

	applied uint64 // frame loop only
	sendLog rate.Sometimes
}

func New(cfg Config, opts ...Option) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		opts:    buildOptions(opts),
		phase:   session.NewPhaseTracker(),
		pressed: make(map[string]struct{}),
		sendLog: rate.Sometimes{Interval: time.Second},
	}
}

// Connect joins the session at hostAddr (ip:port). It returns once the host
// accepts, refuses (*RejectedError), or JoinTimeout passes (ErrJoinTimeout).
// Any failure leaves the client DISCONNECTED with nothing running.
func (c *Client) Connect(ctx context.Context, hostAddr, displayName string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyUsed
	}
	c.state = StateJoining
	c.mu.Unlock()
	_ = c.phase.Advance(session.PhaseConnecting)

	conn, host, peerID, err := c.join(ctx, hostAddr, displayName)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		_ = c.phase.Advance(session.PhaseDiscovering)
		c.opts.log.Info("join failed", zap.String("host", hostAddr), zap.Error(err))
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)

	c.mu.Lock()
	c.state = StateConnected
	c.conn, c.host, c.peerID = conn, host, peerID
	c.cancel, c.group = cancel, g
	c.mu.Unlock()
	_ = c.phase.Advance(session.PhaseLobby)

	g.Go(func() error {
		c.receiveLoop(gctx, conn)
		return nil
	})
	g.Go(func() error {
		c.sendLoop(gctx)
		return nil
	})

	c.opts.log.Info("joined session", zap.String("peer_id", peerID), zap.Stringer("host", host))
	c.opts.notify.Post(session.Connected{PeerID: peerID})
	return nil
}

func (c *Client) join(ctx context.Context, hostAddr, displayName string) (*net.UDPConn, *net.UDPAddr, string, error) {
	host, err := transport.Resolve(hostAddr)
	if err != nil {
		return nil, nil, "", err
	}
	conn, err := transport.Dial(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("connect: %w", err)
	}

	req, err := envelope.New(types.KindJoinRequest, "", types.JoinRequest{DisplayName: displayName})
	if err != nil {
		_ = conn.Close()
		return nil, nil, "", err
	}
	b, err := envelope.Encode(req)
	if err != nil {
		_ = conn.Close()
		return nil, nil, "", err
	}

	joinCtx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()

	buf := make([]byte, transport.ReadBufferSize)
	var lastSent time.Time
	for {
		if err := joinCtx.Err(); err != nil {
			_ = conn.Close()
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, nil, "", ErrJoinTimeout
			}
			return nil, nil, "", err
		}

		if time.Since(lastSent) >= c.cfg.JoinRetry {
			if _, err := conn.WriteToUDP(b, host); err != nil {
				c.opts.log.Debug("join-request send failed", zap.Error(err))
			}
			lastSent = time.Now()
		}

		pkt, err := transport.Read(conn, buf, c.cfg.Poll)
		if err != nil {
			if errors.Is(err, transport.ErrPollTimeout) {
				continue
			}
			_ = conn.Close()
			return nil, nil, "", fmt.Errorf("connect: %w", err)
		}
		if !sameAddr(pkt.Addr, host) {
			continue
		}
		env, err := envelope.Decode(pkt.Data)
		if err != nil || env.Kind != types.KindJoinResponse {
			continue
		}

		var resp types.JoinResponse
		if err := env.Bind(&resp); err != nil {
			continue
		}
		if !resp.Success {
			_ = conn.Close()
			return nil, nil, "", &RejectedError{Reason: resp.Reason}
		}
		return conn, host, resp.PeerID, nil
	}
}

// Disconnect tells the host we are leaving and stops every loop. It is safe
// to call in any state and more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, host, cancel, g := c.conn, c.host, c.cancel, c.group
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.conn = nil
	c.pressed = make(map[string]struct{})
	c.toPress, c.toRelease = nil, nil
	peerID := c.peerID
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	var err error
	if wasConnected {
		if env, nerr := envelope.New(types.KindDisconnect, peerID, types.Disconnect{Reason: types.ReasonUserQuit}); nerr == nil {
			if b, eerr := envelope.Encode(env); eerr == nil {
				if _, werr := conn.WriteToUDP(b, host); werr != nil {
					c.opts.log.Debug("disconnect notice failed", zap.Error(werr))
				}
			}
		}
	}

	cancel()
	if cerr := conn.Close(); cerr != nil && !transport.Closed(cerr) {
		err = multierr.Append(err, cerr)
	}
	err = multierr.Append(err, session.JoinWithin(g.Wait, ShutdownTimeout))

	_ = c.phase.Advance(session.PhaseTerminated)
	if wasConnected {
		c.opts.notify.Post(session.Disconnected{Reason: types.ReasonUserQuit})
	}
	c.opts.log.Info("left session", zap.String("peer_id", peerID))
	return err
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Phase() session.Phase { return c.phase.Current() }

// PeerID is the id the host assigned, empty before a successful join.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Press records a key going down. Repeats are ignored until a Release.
func (c *Client) Press(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return
	}
	if _, down := c.pressed[key]; down {
		return
	}
	c.pressed[key] = struct{}{}
	c.toPress = append(c.toPress, key)
}

// Release records a key going up. Keys that are not down are ignored.
func (c *Client) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return
	}
	if _, down := c.pressed[key]; !down {
		return
	}
	delete(c.pressed, key)
	c.toRelease = append(c.toRelease, key)
}

// Send delivers env to the host. It is the lobby's send primitive.
func (c *Client) Send(env envelope.Envelope) error {
	c.mu.Lock()
	conn, host, state := c.conn, c.host, c.state
	c.mu.Unlock()
	if state != StateConnected {
		return ErrNotConnected
	}

	b, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	if _, err := conn.WriteToUDP(b, host); err != nil {
		c.opts.metrics.SendFailures.WithLabelValues("client").Inc()
		c.sendLog.Do(func() {
			c.opts.log.Warn("send failed", zap.Stringer("kind", env.Kind), zap.Error(err))
		})
		return fmt.Errorf("send %s: %w", env.Kind, err)
	}
	c.opts.metrics.EnvelopesOut.WithLabelValues("client", string(env.Kind)).Inc()
	return nil
}

// ApplyPending hands the newest unseen world snapshot to a. Call it from the
// frame loop; it never blocks on the network. It reports whether anything
// was applied.
func (c *Client) ApplyPending(a Applier) bool {
	snap, seq, ok := c.slot.Latest()
	if !ok || seq <= c.applied {
		return false
	}
	c.applied = seq
	a.ApplyWorldSnapshot(snap)
	return true
}

func (c *Client) sendLoop(ctx context.Context) {
	heartbeat := c.opts.clock.Ticker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	input := c.opts.clock.Ticker(c.cfg.InputInterval)
	defer input.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.sendPayload(types.KindHeartbeat, types.Heartbeat{})
		case <-input.C:
			c.flushInput()
		}
	}
}

func (c *Client) flushInput() {
	c.mu.Lock()
	pressed, released := c.toPress, c.toRelease
	c.toPress, c.toRelease = nil, nil
	c.mu.Unlock()

	if len(pressed) == 0 && len(released) == 0 {
		return
	}
	if pressed == nil {
		pressed = []string{}
	}
	if released == nil {
		released = []string{}
	}
	c.sendPayload(types.KindPlayerInput, types.PlayerInput{KeysPressed: pressed, KeysReleased: released})
}

func (c *Client) sendPayload(kind types.Kind, payload any) {
	env, err := envelope.New(kind, c.PeerID(), payload)
	if err != nil {
		c.opts.log.Error("build envelope", zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	// Failures are logged by Send and retried next tick.
	_ = c.Send(env)
}

func (c *Client) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, transport.ReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}

		pkt, err := transport.Read(conn, buf, c.cfg.Poll)
		switch {
		case err == nil:
			if c.handle(pkt) {
				return
			}
		case errors.Is(err, transport.ErrPollTimeout):
		case transport.Closed(err):
			return
		default:
			c.opts.log.Debug("session read failed", zap.Error(err))
		}
	}
}

// handle processes one datagram and reports whether the session ended.
func (c *Client) handle(pkt transport.Packet) bool {
	c.mu.Lock()
	host := c.host
	c.mu.Unlock()
	if !sameAddr(pkt.Addr, host) {
		return false
	}

	env, err := envelope.Decode(pkt.Data)
	if err != nil {
		c.opts.metrics.DecodeFailures.WithLabelValues("client").Inc()
		c.opts.log.Debug("dropped undecodable packet", zap.Error(err))
		return false
	}
	c.opts.metrics.EnvelopesIn.WithLabelValues("client", string(env.Kind)).Inc()

	switch {
	case env.Kind == types.KindWorldState:
		var snap types.WorldSnapshot
		if err := env.Bind(&snap); err != nil {
			c.opts.log.Debug("bad world-state", zap.Error(err))
			return false
		}
		c.slot.Publish(snap)
		if c.phase.Current() == session.PhaseLobby {
			_ = c.phase.Advance(session.PhaseActive)
		}
		c.opts.notify.Post(session.WorldStateReceived{})

	case env.Kind == types.KindDisconnect:
		var d types.Disconnect
		_ = env.Bind(&d)
		c.mu.Lock()
		c.state = StateDisconnected
		cancel := c.cancel
		c.mu.Unlock()
		cancel()
		_ = c.phase.Advance(session.PhaseTerminated)
		c.opts.log.Info("host ended the session", zap.String("reason", d.Reason))
		c.opts.notify.Post(session.Disconnected{Reason: d.Reason})
		return true

	case env.Kind.IsLobby():
		if c.opts.lobby != nil {
			c.opts.lobby.HandleEnvelope(env)
		}

	case env.Kind == types.KindJoinResponse:
		// Answer to a retried join-request.

	default:
		c.opts.log.Debug("unexpected envelope", zap.Stringer("kind", env.Kind))
	}
	return false
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && (a.IP.Equal(b.IP) || b.IP.IsUnspecified() || (b.IP.IsLoopback() && a.IP.IsLoopback()))
}
