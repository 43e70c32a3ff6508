package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/lanparty/internal/client"
	"github.com/DoyleJ11/lanparty/internal/engine"
	"github.com/DoyleJ11/lanparty/internal/host"
	"github.com/DoyleJ11/lanparty/internal/session"
	"github.com/DoyleJ11/lanparty/internal/session/sessiontest"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

type player struct {
	c    *client.Client
	sync *Synchronizer
}

// newSession runs a real host with an authority and joins n clients over
// loopback UDP.
func newSession(t *testing.T, n int, hostEvents *session.Queue) (*host.Host, *Authority, []player) {
	t.Helper()
	ctx, h, auth, _ := hostLobby(t, n+1, hostEvents)

	players := make([]player, 0, n)
	for i := 0; i < n; i++ {
		players = append(players, joinPlayer(t, ctx, h))
	}
	return h, auth, players
}

// hostLobby starts a host with room for capacity players, the host included,
// and wires an authority and the host's own synchronizer to it.
func hostLobby(t *testing.T, capacity int, hostEvents *session.Queue, opts ...Option) (context.Context, *host.Host, *Authority, *Synchronizer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := host.New(host.Config{ListenIP: "127.0.0.1", Capacity: capacity}, host.WithNotifier(hostEvents))
	require.NoError(t, h.Start(ctx, "Alpha"))
	t.Cleanup(func() { _ = h.Stop() })

	local := NewSynchronizer(nil, nil)
	opts = append([]Option{WithLocal(local), WithNotifier(hostEvents)}, opts...)
	auth := NewAuthority(ctx, h, opts...)
	t.Cleanup(auth.Close)
	local.Attach(types.HostPeerID, auth.Loopback())
	h.SetLobby(auth)
	return ctx, h, auth, local
}

func joinPlayer(t *testing.T, ctx context.Context, h *host.Host) player {
	t.Helper()
	s := NewSynchronizer(nil, nil)
	c := client.New(client.Config{JoinTimeout: time.Second}, client.WithLobby(s))
	require.NoError(t, c.Connect(ctx, h.LocalAddr().String(), "P"))
	t.Cleanup(func() { _ = c.Disconnect() })
	s.Attach(c.PeerID(), c)
	return player{c: c, sync: s}
}

func TestScenario_SimultaneousClaimOverNetwork(t *testing.T) {
	h, auth, ps := newSession(t, 2, session.NewQueue(0))

	require.NoError(t, h.StartLobby())
	require.Eventually(t, func() bool {
		return ps[0].sync.Snapshot().Open && ps[1].sync.Snapshot().Open
	}, time.Second, 10*time.Millisecond)

	for _, p := range ps {
		require.NoError(t, p.sync.Pick(types.ResourceGreen))
	}
	// Neither cache knows about the other, so both pass the local check.
	for _, p := range ps {
		require.NoError(t, p.sync.Confirm())
	}

	require.Eventually(t, func() bool {
		a, b := ps[0].sync.Snapshot(), ps[1].sync.Snapshot()
		return (a.Status == StatusConflicted) != (b.Status == StatusConflicted)
	}, 2*time.Second, 10*time.Millisecond)

	var winner, loser player
	if ps[0].sync.Snapshot().Status == StatusConflicted {
		winner, loser = ps[1], ps[0]
	} else {
		winner, loser = ps[0], ps[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := auth.View(ctx)
	require.NoError(t, err)

	holders := 0
	for _, pick := range v.State.Picks {
		if pick.ResourceID == types.ResourceGreen {
			holders++
		}
	}
	assert.Equal(t, 1, holders, "green is held exactly once")
	assert.Equal(t, types.ResourceGreen, v.State.Picks[winner.c.PeerID()].ResourceID)
	assert.NotContains(t, v.State.Ready, loser.c.PeerID())

	snap := loser.sync.Snapshot()
	assert.False(t, snap.Ready)
	assert.Contains(t, snap.ConflictReason, "green is already taken")

	// The loser can move on to another resource.
	require.NoError(t, loser.sync.Pick(types.ResourceBlue))
	require.NoError(t, loser.sync.Confirm())
	require.Eventually(t, func() bool {
		return len(winner.sync.Snapshot().ReadyIDs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScenario_DepartureShrinksReadySet(t *testing.T) {
	events := session.NewQueue(0)
	h, auth, ps := newSession(t, 2, events)
	require.NoError(t, h.StartLobby())

	require.NoError(t, ps[0].sync.Pick(types.ResourceYellow))
	require.NoError(t, ps[0].sync.Confirm())
	require.Eventually(t, func() bool {
		return len(ps[1].sync.Snapshot().ReadyIDs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	gone := ps[0].c.PeerID()
	require.NoError(t, ps[0].c.Disconnect())
	sessiontest.WaitFor(t, events, time.Second, func(ev session.PeerLeft) bool { return ev.PeerID == gone })

	require.Eventually(t, func() bool {
		snap := ps[1].sync.Snapshot()
		_, held := snap.Picks[gone]
		return len(snap.ReadyIDs) == 0 && !held
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := auth.View(ctx)
	require.NoError(t, err)
	assert.False(t, v.Started)
	assert.NotContains(t, v.State.Picks, gone)
}

func TestScenario_LateJoinerSeesLobbyInProgress(t *testing.T) {
	events := session.NewQueue(0)
	ctx, h, auth, mine := hostLobby(t, 3, events, WithMinPlayers(2))

	require.NoError(t, h.StartLobby())
	require.Eventually(t, func() bool { return mine.Snapshot().Open }, time.Second, 10*time.Millisecond)
	require.NoError(t, mine.Pick(types.ResourceGreen))
	require.NoError(t, mine.Confirm())
	sessiontest.WaitFor(t, events, time.Second, func(ev session.LobbyUpdated) bool {
		return len(ev.ReadyIDs) == 1
	})

	viewCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := auth.View(viewCtx)
	require.NoError(t, err)
	require.False(t, v.Started, "a lone host does not start the game")
	require.Equal(t, session.PhaseLobby, h.Phase())

	late := joinPlayer(t, ctx, h)
	require.Eventually(t, func() bool {
		snap := late.sync.Snapshot()
		return snap.Open &&
			snap.Picks[types.HostPeerID].ResourceID == types.ResourceGreen &&
			len(snap.ReadyIDs) == 1 && snap.ReadyIDs[0] == types.HostPeerID
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, late.sync.Pick(types.ResourceGreen))
	assert.ErrorIs(t, late.sync.Confirm(), engine.ErrResourceTaken)

	require.NoError(t, late.sync.Pick(types.ResourceBlue))
	require.NoError(t, late.sync.Confirm())
	started := sessiontest.WaitFor(t, events, 2*time.Second, func(ev session.GameStarted) bool { return true })
	assert.Equal(t, types.ResourceBlue, started.Picks[late.c.PeerID()].ResourceID)
	assert.Equal(t, session.PhaseActive, h.Phase())
}
