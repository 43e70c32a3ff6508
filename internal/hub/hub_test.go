package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

func mustEnv(t *testing.T, kind types.Kind, payload any) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(kind, types.HostPeerID, payload)
	require.NoError(t, err)
	return env
}

func recvEnv(t *testing.T, ch <-chan envelope.Envelope, within time.Duration) envelope.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "outbox closed")
		return env
	case <-time.After(within):
		t.Fatalf("timed out after %v waiting for envelope", within)
		return envelope.Envelope{}
	}
}

func waitClosed(t *testing.T, ch <-chan envelope.Envelope, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("outbox still open after %v", within)
		}
	}
}

func newHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(context.Background(), nil)
	t.Cleanup(h.Close)
	return h
}

func subscribers(t *testing.T, h *Hub) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := h.Subscribers(ctx)
	require.NoError(t, err)
	return n
}

func TestHub_PublishFansOut(t *testing.T) {
	h := newHub(t)
	a := make(chan envelope.Envelope, 4)
	b := make(chan envelope.Envelope, 4)
	require.NoError(t, h.Subscribe(context.Background(), "a", a))
	require.NoError(t, h.Subscribe(context.Background(), "b", b))

	require.True(t, h.Publish(mustEnv(t, types.KindLobbySync, types.LobbySync{})))

	assert.Equal(t, types.KindLobbySync, recvEnv(t, a, time.Second).Kind)
	assert.Equal(t, types.KindLobbySync, recvEnv(t, b, time.Second).Kind)
}

func TestHub_IgnoresPeerTraffic(t *testing.T) {
	h := newHub(t)
	assert.False(t, h.Publish(mustEnv(t, types.KindHeartbeat, types.Heartbeat{})))
	assert.False(t, h.Publish(mustEnv(t, types.KindDisconnect, types.Disconnect{Reason: types.ReasonTimeout})))
}

func TestHub_NewcomerGetsLatestState(t *testing.T) {
	h := newHub(t)
	h.Publish(mustEnv(t, types.KindLobbySync, types.LobbySync{ReadyIDs: []string{"old"}}))
	h.Publish(mustEnv(t, types.KindLobbySync, types.LobbySync{ReadyIDs: []string{"new"}}))
	h.Publish(mustEnv(t, types.KindWorldState, types.WorldSnapshot{}))

	out := make(chan envelope.Envelope, 4)
	require.NoError(t, h.Subscribe(context.Background(), "late", out))

	first := recvEnv(t, out, time.Second)
	require.Equal(t, types.KindLobbySync, first.Kind)
	var ls types.LobbySync
	require.NoError(t, first.Bind(&ls))
	assert.Equal(t, []string{"new"}, ls.ReadyIDs)
	assert.Equal(t, types.KindWorldState, recvEnv(t, out, time.Second).Kind)
}

func TestHub_SlowSpectatorIsDropped(t *testing.T) {
	h := newHub(t)
	slow := make(chan envelope.Envelope, 1)
	slow <- envelope.Envelope{} // full, never read
	fast := make(chan envelope.Envelope, 4)
	require.NoError(t, h.Subscribe(context.Background(), "slow", slow))
	require.NoError(t, h.Subscribe(context.Background(), "fast", fast))

	h.Publish(mustEnv(t, types.KindWorldState, types.WorldSnapshot{}))

	recvEnv(t, fast, time.Second)
	assert.Equal(t, 1, subscribers(t, h))
	waitClosed(t, slow, time.Second)
}

func TestHub_UnsubscribeClosesOutbox(t *testing.T) {
	h := newHub(t)
	out := make(chan envelope.Envelope, 1)
	require.NoError(t, h.Subscribe(context.Background(), "x", out))
	h.Unsubscribe("x")
	waitClosed(t, out, time.Second)

	// Unknown ids are ignored.
	h.Unsubscribe("x")
	assert.Equal(t, 0, subscribers(t, h))
}

func TestHub_ShutdownClosesEveryone(t *testing.T) {
	h := NewHub(context.Background(), nil)
	out := make(chan envelope.Envelope, 1)
	require.NoError(t, h.Subscribe(context.Background(), "x", out))

	h.Close()
	waitClosed(t, out, time.Second)

	select {
	case <-h.Done():
	default:
		t.Fatal("hub loop still running")
	}
	assert.ErrorIs(t, h.Subscribe(context.Background(), "y", make(chan envelope.Envelope)), ErrClosed)
	h.Close()
}
