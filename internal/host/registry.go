package host

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Peer is a copy of one registry record.
type Peer struct {
	ID            string
	Addr          *net.UDPAddr
	DisplayName   string
	LastHeartbeat time.Time
	Pressed       []string
	Connected     bool
}

type record struct {
	id            string
	addr          *net.UDPAddr
	name          string
	lastHeartbeat time.Time
	pressed       map[string]struct{}
	connected     bool
}

func (r *record) view() Peer {
	return Peer{
		ID:            r.id,
		Addr:          r.addr,
		DisplayName:   r.name,
		LastHeartbeat: r.lastHeartbeat,
		Pressed:       sortedKeys(r.pressed),
		Connected:     r.connected,
	}
}

// Registry owns the host's peer table. The host process itself is not in it.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*record
	byAddr map[string]string
	used   map[string]struct{}
	newID  func() string
}

func NewRegistry(newID func() string) *Registry {
	if newID == nil {
		newID = newPeerID
	}
	return &Registry{
		peers:  make(map[string]*record),
		byAddr: make(map[string]string),
		used:   make(map[string]struct{}),
		newID:  newID,
	}
}

func newPeerID() string {
	return "client_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Add registers a new peer. Ids are never reused within a session; a
// collision is a bug and panics.
func (r *Registry) Add(addr *net.UDPAddr, name string, now time.Time) Peer {
	id := r.newID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.used[id]; dup {
		panic(fmt.Sprintf("host: peer id %q allocated twice", id))
	}
	rec := &record{
		id:            id,
		addr:          addr,
		name:          name,
		lastHeartbeat: now,
		pressed:       make(map[string]struct{}),
		connected:     true,
	}
	r.used[id] = struct{}{}
	r.peers[id] = rec
	r.byAddr[addr.String()] = id
	return rec.view()
}

// ByAddr finds the peer that joined from addr.
func (r *Registry) ByAddr(addr *net.UDPAddr) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr.String()]
	if !ok {
		return Peer{}, false
	}
	return r.peers[id].view(), true
}

func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return rec.view(), true
}

// Touch refreshes the heartbeat of id.
func (r *Registry) Touch(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[id]
	if !ok {
		return false
	}
	rec.lastHeartbeat = now
	return true
}

// ApplyInput adds pressed keys, removes released ones and refreshes the
// heartbeat.
func (r *Registry) ApplyInput(id string, pressed, released []string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[id]
	if !ok {
		return false
	}
	for _, k := range pressed {
		rec.pressed[k] = struct{}{}
	}
	for _, k := range released {
		delete(rec.pressed, k)
	}
	rec.lastHeartbeat = now
	return true
}

// Remove flips the peer to disconnected and purges it. Only the first call
// for an id reports true.
func (r *Registry) Remove(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[id]
	if !ok || !rec.connected {
		return Peer{}, false
	}
	rec.connected = false
	gone := rec.view()
	delete(r.peers, id)
	if r.byAddr[rec.addr.String()] == id {
		delete(r.byAddr, rec.addr.String())
	}
	return gone, true
}

// Expired lists peers whose last heartbeat is older than timeout.
func (r *Registry) Expired(now time.Time, timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, rec := range r.peers {
		if now.Sub(rec.lastHeartbeat) > timeout {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Targets returns each connected peer's address, for sending outside the lock.
func (r *Registry) Targets() map[string]*net.UDPAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*net.UDPAddr, len(r.peers))
	for id, rec := range r.peers {
		out[id] = rec.addr
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
