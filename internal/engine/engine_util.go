package engine

import (
	"maps"

	"github.com/DoyleJ11/lanparty/pkg/types"
)

func NewEmptyState() State {
	return State{
		Picks: map[string]types.Pick{},
		Ready: map[string]bool{},
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// Sync renders s as the lobby-sync payload broadcast to every peer.
func Sync(s State) types.LobbySync {
	picks := make(map[string]types.Pick, len(s.Picks))
	maps.Copy(picks, s.Picks)
	return types.LobbySync{Picks: picks, ReadyIDs: ReadyIDs(s)}
}

// FromSync rebuilds a state from a lobby-sync payload.
func FromSync(ls types.LobbySync) State {
	s := NewEmptyState()
	maps.Copy(s.Picks, ls.Picks)
	for _, id := range ls.ReadyIDs {
		s.Ready[id] = true
	}
	return s
}
