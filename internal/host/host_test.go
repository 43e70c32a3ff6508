package host

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/lanparty/internal/discovery"
	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/metrics"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/internal/session/sessiontest"
	"github.com/DoyleJ11/lanparty/internal/transport"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

// rawPeer speaks the wire protocol by hand so host tests do not depend on the
// client package.
type rawPeer struct {
	t    *testing.T
	conn *net.UDPConn
	host *net.UDPAddr
	id   string
}

func dialRaw(t *testing.T, host *net.UDPAddr) *rawPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawPeer{t: t, conn: conn, host: host}
}

func (p *rawPeer) send(kind types.Kind, payload any) {
	p.t.Helper()
	env, err := envelope.New(kind, p.id, payload)
	require.NoError(p.t, err)
	b, err := envelope.Encode(env)
	require.NoError(p.t, err)
	_, err = p.conn.WriteToUDP(b, p.host)
	require.NoError(p.t, err)
}

// recv returns the next envelope of kind, skipping others.
func (p *rawPeer) recv(kind types.Kind, within time.Duration) envelope.Envelope {
	p.t.Helper()
	deadline := time.Now().Add(within)
	buf := make([]byte, transport.ReadBufferSize)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			p.t.Fatalf("timed out waiting for %s", kind)
		}
		pkt, err := transport.Read(p.conn, buf, left)
		if errors.Is(err, transport.ErrPollTimeout) {
			continue
		}
		require.NoError(p.t, err)
		env, err := envelope.Decode(pkt.Data)
		require.NoError(p.t, err)
		if env.Kind == kind {
			return env
		}
	}
}

// recvNone asserts nothing of kind arrives within the window.
func (p *rawPeer) recvNone(kind types.Kind, within time.Duration) {
	p.t.Helper()
	deadline := time.Now().Add(within)
	buf := make([]byte, transport.ReadBufferSize)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return
		}
		pkt, err := transport.Read(p.conn, buf, left)
		if err != nil {
			continue
		}
		if env, err := envelope.Decode(pkt.Data); err == nil && env.Kind == kind {
			p.t.Fatalf("unexpected %s", kind)
		}
	}
}

func (p *rawPeer) join(name string) types.JoinResponse {
	p.t.Helper()
	p.send(types.KindJoinRequest, types.JoinRequest{DisplayName: name})
	var resp types.JoinResponse
	require.NoError(p.t, p.recv(types.KindJoinResponse, time.Second).Bind(&resp))
	if resp.Success {
		p.id = resp.PeerID
	}
	return resp
}

func testConfig() Config {
	return Config{ListenIP: "127.0.0.1", Capacity: 4}
}

func startHost(t *testing.T, cfg Config, opts ...Option) *Host {
	t.Helper()
	h := New(cfg, opts...)
	require.NoError(t, h.Start(context.Background(), "Alpha"))
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

type countingTracker struct {
	mu     sync.Mutex
	forgot []string
}

func (c *countingTracker) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgot = append(c.forgot, id)
}

func (c *countingTracker) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.forgot...)
}

func TestHost_StartFailsWhenPortInUse(t *testing.T) {
	busy, err := transport.ListenSession(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.Port = busy.LocalAddr().(*net.UDPAddr).Port
	h := New(cfg)

	err = h.Start(context.Background(), "Alpha")
	require.Error(t, err)
	assert.Nil(t, h.LocalAddr())
	assert.Equal(t, session.PhaseDiscovering, h.Phase())
	assert.NoError(t, h.Stop())
}

func TestHost_JoinAccepted(t *testing.T) {
	q := session.NewQueue(0)
	h := startHost(t, testConfig(), WithNotifier(q))
	assert.Equal(t, session.PhaseLobby, h.Phase())
	assert.Equal(t, 1, h.Occupancy())

	p := dialRaw(t, h.LocalAddr())
	resp := p.join("P2")
	require.True(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.PeerID, "client_"))
	assert.Len(t, resp.PeerID, len("client_")+8)
	assert.Empty(t, resp.Reason)

	joined := sessiontest.WaitFor(t, q, time.Second, func(ev session.PeerJoined) bool { return true })
	assert.Equal(t, resp.PeerID, joined.PeerID)
	assert.Equal(t, "P2", joined.DisplayName)
	assert.Equal(t, 2, h.Occupancy())
	assert.Equal(t, []string{resp.PeerID, types.HostPeerID}, h.PeerIDs())
}

func TestHost_DuplicateJoinKeepsID(t *testing.T) {
	h := startHost(t, testConfig())
	p := dialRaw(t, h.LocalAddr())

	first := p.join("P2")
	second := p.join("P2")
	require.True(t, second.Success)
	assert.Equal(t, first.PeerID, second.PeerID)
	assert.Equal(t, 2, h.Occupancy())
}

func TestHost_RejectsJoinWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 3
	h := startHost(t, cfg)

	for _, name := range []string{"P2", "P3"} {
		resp := dialRaw(t, h.LocalAddr()).join(name)
		require.True(t, resp.Success, name)
	}
	require.Equal(t, 3, h.Occupancy())

	resp := dialRaw(t, h.LocalAddr()).join("P4")
	assert.False(t, resp.Success)
	assert.Empty(t, resp.PeerID)
	assert.Equal(t, types.ReasonSessionFull, resp.Reason)
	assert.Equal(t, 3, h.Occupancy())
}

func TestHost_HeartbeatTimeoutEvictsOnce(t *testing.T) {
	mock := clock.NewMock()
	q := session.NewQueue(0)
	tracker := &countingTracker{}
	h := startHost(t, testConfig(), WithClock(mock), WithNotifier(q))
	h.Register(tracker)

	quiet := dialRaw(t, h.LocalAddr())
	quietID := quiet.join("quiet").PeerID
	alive := dialRaw(t, h.LocalAddr())
	alive.join("alive")

	mock.Add(2 * time.Second)
	alive.send(types.KindHeartbeat, types.Heartbeat{})
	require.Eventually(t, func() bool {
		p, _ := h.reg.Get(alive.id)
		return p.LastHeartbeat.Equal(mock.Now())
	}, time.Second, 10*time.Millisecond)

	mock.Add(1500 * time.Millisecond)

	left := sessiontest.WaitFor(t, q, time.Second, func(ev session.PeerLeft) bool { return true })
	assert.Equal(t, quietID, left.PeerID)
	assert.Equal(t, types.ReasonTimeout, left.Reason)

	// Several more poll cycles pass; the leave event must not repeat.
	more := sessiontest.Collect[session.PeerLeft](t, q, 300*time.Millisecond)
	assert.Empty(t, more)
	assert.Equal(t, []string{quietID}, tracker.ids())
	assert.Equal(t, 2, h.Occupancy())

	var bye types.Disconnect
	require.NoError(t, quiet.recv(types.KindDisconnect, time.Second).Bind(&bye))
	assert.Equal(t, types.ReasonTimeout, bye.Reason)

	// The evicted peer's traffic is now unknown.
	quiet.send(types.KindHeartbeat, types.Heartbeat{})
	perr := sessiontest.WaitFor(t, q, time.Second, func(ev session.ProtocolError) bool { return true })
	assert.ErrorIs(t, perr.Err, ErrUnknownPeer)
}

func TestHost_ExplicitDisconnect(t *testing.T) {
	q := session.NewQueue(0)
	tracker := &countingTracker{}
	h := startHost(t, testConfig(), WithNotifier(q))
	h.Register(tracker)

	p := dialRaw(t, h.LocalAddr())
	p.join("P2")
	p.send(types.KindDisconnect, types.Disconnect{Reason: types.ReasonUserQuit})

	left := sessiontest.WaitFor(t, q, time.Second, func(ev session.PeerLeft) bool { return true })
	assert.Equal(t, types.ReasonUserQuit, left.Reason)
	assert.Equal(t, 1, h.Occupancy())
	assert.Equal(t, []string{p.id}, tracker.ids())
}

func TestHost_InputAggregatesPressedKeys(t *testing.T) {
	q := session.NewQueue(0)
	h := startHost(t, testConfig(), WithNotifier(q))
	p := dialRaw(t, h.LocalAddr())
	p.join("P2")

	p.send(types.KindPlayerInput, types.PlayerInput{KeysPressed: []string{"up", "space"}})
	in := sessiontest.WaitFor(t, q, time.Second, func(ev session.InputReceived) bool { return true })
	assert.Equal(t, p.id, in.PeerID)
	assert.Equal(t, []string{"space", "up"}, h.PressedKeys(p.id))

	p.send(types.KindPlayerInput, types.PlayerInput{KeysReleased: []string{"space"}})
	sessiontest.WaitFor(t, q, time.Second, func(ev session.InputReceived) bool { return len(ev.Released) == 1 })
	assert.Equal(t, []string{"up"}, h.PressedKeys(p.id))
	assert.Nil(t, h.PressedKeys("client_nobody"))
}

func TestHost_UnknownSenderIsProtocolError(t *testing.T) {
	q := session.NewQueue(0)
	h := startHost(t, testConfig(), WithNotifier(q))

	stranger := dialRaw(t, h.LocalAddr())
	stranger.id = "client_deadbeef"
	stranger.send(types.KindPlayerInput, types.PlayerInput{KeysPressed: []string{"up"}})

	perr := sessiontest.WaitFor(t, q, time.Second, func(ev session.ProtocolError) bool { return true })
	assert.Equal(t, "client_deadbeef", perr.PeerID)
	assert.Equal(t, types.KindPlayerInput, perr.Kind)
	assert.ErrorIs(t, perr.Err, ErrUnknownPeer)
}

func TestHost_SpoofedSenderIsProtocolError(t *testing.T) {
	q := session.NewQueue(0)
	h := startHost(t, testConfig(), WithNotifier(q))

	victim := dialRaw(t, h.LocalAddr())
	victim.join("P2")

	spoofer := dialRaw(t, h.LocalAddr())
	spoofer.id = victim.id
	spoofer.send(types.KindDisconnect, types.Disconnect{Reason: types.ReasonUserQuit})

	perr := sessiontest.WaitFor(t, q, time.Second, func(ev session.ProtocolError) bool { return true })
	assert.ErrorIs(t, perr.Err, ErrAddrMismatch)
	assert.Equal(t, 2, h.Occupancy())
}

func TestHost_GarbageIsDropped(t *testing.T) {
	q := session.NewQueue(0)
	h := startHost(t, testConfig(), WithNotifier(q))
	p := dialRaw(t, h.LocalAddr())

	_, err := p.conn.WriteToUDP([]byte(`{"kind":"join-request","payload":`), h.LocalAddr())
	require.NoError(t, err)
	_, err = p.conn.WriteToUDP([]byte{0xff, 0x00, 0x13}, h.LocalAddr())
	require.NoError(t, err)

	// The loop survives and still serves joins.
	assert.True(t, p.join("P2").Success)
	assert.Empty(t, sessiontest.Collect[session.ProtocolError](t, q, 50*time.Millisecond))
}

type fixedSource struct{ snap types.WorldSnapshot }

func (f fixedSource) WorldSnapshot() types.WorldSnapshot { return f.snap }

func TestHost_BroadcastsWorldStateOnlyWhenActive(t *testing.T) {
	snap := types.WorldSnapshot{
		Entities: []json.RawMessage{json.RawMessage(`{"id":1,"x":10}`)},
		Round:    json.RawMessage(`{"round":1}`),
	}
	var tapped sync.Map
	h := startHost(t, testConfig(),
		WithSnapshotSource(fixedSource{snap: snap}),
		WithTap(func(env envelope.Envelope) { tapped.Store(env.Kind, true) }))

	p := dialRaw(t, h.LocalAddr())
	p.join("P2")
	p.recvNone(types.KindWorldState, 150*time.Millisecond)

	h.Activate()
	assert.Equal(t, session.PhaseActive, h.Phase())

	var got types.WorldSnapshot
	require.NoError(t, p.recv(types.KindWorldState, time.Second).Bind(&got))
	require.Len(t, got.Entities, 1)
	assert.JSONEq(t, `{"id":1,"x":10}`, string(got.Entities[0]))

	// Roughly 30 per second; allow generous slack for loaded machines.
	start := time.Now()
	for i := 0; i < 10; i++ {
		p.recv(types.KindWorldState, time.Second)
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	_, ok := tapped.Load(types.KindWorldState)
	assert.True(t, ok)
}

func TestHost_StopNotifiesPeersAndIsIdempotent(t *testing.T) {
	h := New(testConfig())
	require.NoError(t, h.Start(context.Background(), "Alpha"))

	p := dialRaw(t, h.LocalAddr())
	p.join("P2")

	require.NoError(t, h.Stop())
	var bye types.Disconnect
	require.NoError(t, p.recv(types.KindDisconnect, time.Second).Bind(&bye))
	assert.Equal(t, types.ReasonHostShutdown, bye.Reason)

	assert.NoError(t, h.Stop())
	assert.Equal(t, session.PhaseTerminated, h.Phase())
	assert.ErrorIs(t, h.Send(p.id, envelope.Envelope{Kind: types.KindHeartbeat}), ErrNotRunning)
}

func TestHost_SendToUnknownPeer(t *testing.T) {
	h := startHost(t, testConfig())
	env, err := envelope.New(types.KindLobbySync, types.HostPeerID, types.LobbySync{})
	require.NoError(t, err)
	assert.ErrorIs(t, h.Send("client_nobody", env), ErrUnknownPeer)
}

func TestRegistry_IDCollisionPanics(t *testing.T) {
	r := NewRegistry(func() string { return "client_00000000" })
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4000}
	r.Add(addr, "a", time.Now())
	assert.Panics(t, func() {
		r.Add(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 4000}, "b", time.Now())
	})
}

func TestRegistry_RemoveReportsOnce(t *testing.T) {
	r := NewRegistry(nil)
	p := r.Add(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4000}, "a", time.Now())

	gone, ok := r.Remove(p.ID)
	require.True(t, ok)
	assert.False(t, gone.Connected)
	_, ok = r.Remove(p.ID)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestRegistry_IDsNeverReused(t *testing.T) {
	r := NewRegistry(func() string { return "client_cafebabe" })
	p := r.Add(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4000}, "a", time.Now())
	r.Remove(p.ID)
	assert.Panics(t, func() {
		r.Add(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4000}, "a", time.Now())
	})
}

func sendFailures(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "lanparty_send_failures_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "role" && l.GetValue() == "host" {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestHost_FailedWriteKeepsPeerAndOthersReceive(t *testing.T) {
	reg := prometheus.NewRegistry()
	events := session.NewQueue(0)
	h := startHost(t, testConfig(), WithMetrics(metrics.New(reg)), WithNotifier(events))

	good := dialRaw(t, h.LocalAddr())
	good.join("P2")

	// The session socket is udp4, so every write to an IPv6 origin fails.
	bad := h.reg.Add(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 9}, "P3", time.Now())
	require.Equal(t, 3, h.Occupancy())

	env, err := envelope.New(types.KindLobbySync, types.HostPeerID, types.LobbySync{})
	require.NoError(t, err)

	err = h.Broadcast(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad.ID)
	good.recv(types.KindLobbySync, time.Second)

	assert.Error(t, h.Send(bad.ID, env))
	require.NoError(t, h.Send(good.id, env))
	good.recv(types.KindLobbySync, time.Second)

	assert.Equal(t, 2.0, sendFailures(t, reg))
	assert.Equal(t, 3, h.Occupancy())
	assert.Contains(t, h.PeerIDs(), bad.ID)
	assert.Empty(t, sessiontest.Collect[session.PeerLeft](t, events, 100*time.Millisecond))
}

type recordingLobby struct {
	mu      sync.Mutex
	welcome []string
}

func (l *recordingLobby) Forget(string)                    {}
func (l *recordingLobby) Submit(string, envelope.Envelope) {}

func (l *recordingLobby) Welcome(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.welcome = append(l.welcome, id)
}

func (l *recordingLobby) welcomed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.welcome...)
}

func TestHost_JoinWelcomesPeerIntoLobby(t *testing.T) {
	h := startHost(t, testConfig())
	l := &recordingLobby{}
	h.SetLobby(l)

	p := dialRaw(t, h.LocalAddr())
	resp := p.join("P2")
	require.True(t, resp.Success)
	require.Eventually(t, func() bool { return len(l.welcomed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{resp.PeerID}, l.welcomed())

	// A retried join is not a new player.
	p.join("P2")
	assert.Equal(t, []string{resp.PeerID}, l.welcomed())
}

func TestConfig_DefaultsFillDiscovery(t *testing.T) {
	cfg := Config{Advertise: true}.withDefaults()
	assert.Equal(t, discovery.DefaultPort, cfg.Discovery.Port)
	assert.Equal(t, "255.255.255.255", cfg.Discovery.BroadcastIP)
	assert.Equal(t, discovery.DefaultInterval, cfg.Discovery.Interval)
	assert.Equal(t, discovery.DefaultStaleAfter, cfg.Discovery.StaleAfter)

	cfg = Config{Discovery: discovery.Config{Port: 40000, BroadcastIP: "127.0.0.1"}}.withDefaults()
	assert.Equal(t, 40000, cfg.Discovery.Port)
	assert.Equal(t, "127.0.0.1", cfg.Discovery.BroadcastIP)
}
