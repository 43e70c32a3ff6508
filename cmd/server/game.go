package main

import (
	"encoding/json"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lanparty/internal/lobby"
	"github.com/DoyleJ11/lanparty/pkg/types"
)

// arena is a headless stand-in for the game engine: every player is a point
// moved one unit per frame in the direction of each key it holds.
type arena struct {
	mu    sync.Mutex
	frame int
	pos   map[string][2]int
	last  types.WorldSnapshot
}

type tank struct {
	ID string `json:"id"`
	X  int    `json:"x"`
	Y  int    `json:"y"`
}

func newArena() *arena {
	return &arena{pos: map[string][2]int{}}
}

func (a *arena) step(ids []string, keys func(string) []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frame++
	for id := range a.pos {
		if !slices.Contains(ids, id) {
			delete(a.pos, id)
		}
	}
	for _, id := range ids {
		p := a.pos[id]
		for _, k := range keys(id) {
			switch k {
			case "up":
				p[1]--
			case "down":
				p[1]++
			case "left":
				p[0]--
			case "right":
				p[0]++
			}
		}
		a.pos[id] = p
	}
}

func (a *arena) snapshot() types.WorldSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.pos))
	for id := range a.pos {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	snap := types.WorldSnapshot{Entities: make([]json.RawMessage, 0, len(ids))}
	for _, id := range ids {
		p := a.pos[id]
		b, _ := json.Marshal(tank{ID: id, X: p[0], Y: p[1]})
		snap.Entities = append(snap.Entities, b)
	}
	snap.Round, _ = json.Marshal(map[string]int{"frame": a.frame})
	return snap
}

// ApplyWorldSnapshot is the client side: the host's world replaces ours.
func (a *arena) ApplyWorldSnapshot(s types.WorldSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = s
}

func (a *arena) entities() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.last.Entities)
}

// autoPick plays the lobby for a headless player: it confirms the first
// resource nobody else holds, skipping one the host just refused.
func autoPick(s *lobby.Synchronizer, log *zap.Logger) {
	snap := s.Snapshot()
	if !snap.Open || snap.Ready {
		return
	}
	for _, r := range types.Resources() {
		if snap.Status == lobby.StatusConflicted && r == snap.Local {
			continue
		}
		taken := false
		for _, p := range snap.Picks {
			if p.ResourceID == r {
				taken = true
				break
			}
		}
		if taken && r != snap.Local {
			continue
		}
		if err := s.Pick(r); err != nil {
			log.Debug("pick", zap.Stringer("resource", r), zap.Error(err))
			return
		}
		if err := s.Confirm(); err != nil {
			log.Info("confirm refused", zap.Stringer("resource", r), zap.Error(err))
			return
		}
		log.Info("resource confirmed", zap.Stringer("resource", r))
		return
	}
	log.Warn("no free resource left")
}
