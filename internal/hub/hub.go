// Package hub fans host broadcasts out to read-only spectators.
package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lanparty/internal/envelope"
	"github.com/DoyleJ11/lanparty/internal/logging"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

var ErrClosed = errors.New("hub closed")

type HubMsg interface{ isHubMsg() }

// Subscribe registers Outbox under ID. The hub closes Outbox when the
// subscriber is dropped, unsubscribed or the hub shuts down.
type Subscribe struct {
	ID     string
	Outbox chan envelope.Envelope
}

type Unsubscribe struct {
	ID string
}

type Publish struct {
	Env envelope.Envelope
}

type CountSubscribers struct {
	Reply chan int
}

type ShutdownHub struct{}

func (Subscribe) isHubMsg()        {}
func (Unsubscribe) isHubMsg()      {}
func (Publish) isHubMsg()          {}
func (CountSubscribers) isHubMsg() {}
func (ShutdownHub) isHubMsg()      {}

// Hub is an actor; all state is owned by its loop.
type Hub struct {
	inbox chan HubMsg
	subs  map[string]chan envelope.Envelope
	// latest lobby-start, lobby-sync and world-state, replayed to newcomers
	last map[types.Kind]envelope.Envelope
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		subs:   make(map[string]chan envelope.Envelope),
		last:   make(map[types.Kind]envelope.Envelope),
		log:    logging.OrNop(log).Named("hub"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Done() <-chan struct{} { return h.done }

// Publish offers env to spectators without blocking. It is called from the
// host's broadcast path, so a full inbox drops the envelope.
func (h *Hub) Publish(env envelope.Envelope) bool {
	if !spectated(env.Kind) {
		return false
	}
	select {
	case h.inbox <- Publish{Env: env}:
		return true
	default:
		return false
	}
}

// Subscribe adds a spectator and replays the latest state to it.
func (h *Hub) Subscribe(ctx context.Context, id string, outbox chan envelope.Envelope) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	select {
	case h.inbox <- Subscribe{ID: id, Outbox: outbox}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrClosed
	}
}

func (h *Hub) Unsubscribe(id string) {
	select {
	case h.inbox <- Unsubscribe{ID: id}:
	case <-h.done:
	}
}

func (h *Hub) Subscribers(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return 0, ErrClosed
	default:
	}
	reply := make(chan int, 1)
	select {
	case h.inbox <- CountSubscribers{Reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.done:
		return 0, ErrClosed
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.done:
		return 0, ErrClosed
	}
}

func (h *Hub) Close() {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.done:
	}
	<-h.done
}

func spectated(k types.Kind) bool {
	switch k {
	case types.KindLobbyStart, types.KindLobbySync, types.KindWorldState:
		return true
	default:
		return false
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	defer h.closeAll()
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Subscribe:
				if old := h.subs[msg.ID]; old != nil {
					close(old)
				}
				h.subs[msg.ID] = msg.Outbox
				for _, k := range []types.Kind{types.KindLobbyStart, types.KindLobbySync, types.KindWorldState} {
					if env, ok := h.last[k]; ok && !h.deliver(msg.ID, msg.Outbox, env) {
						break
					}
				}

			case Unsubscribe:
				if out := h.subs[msg.ID]; out != nil {
					close(out)
					delete(h.subs, msg.ID)
				}

			case Publish:
				h.last[msg.Env.Kind] = msg.Env
				for id, out := range h.subs {
					h.deliver(id, out, msg.Env)
				}

			case CountSubscribers:
				msg.Reply <- len(h.subs)

			case ShutdownHub:
				h.cancel()
				return
			}
		}
	}
}

// deliver never blocks; a spectator that cannot keep up is dropped.
func (h *Hub) deliver(id string, out chan envelope.Envelope, env envelope.Envelope) bool {
	select {
	case out <- env:
		return true
	default:
		h.log.Info("dropping slow spectator", zap.String("id", id))
		close(out)
		delete(h.subs, id)
		return false
	}
}

func (h *Hub) closeAll() {
	for id, out := range h.subs {
		close(out)
		delete(h.subs, id)
	}
}
