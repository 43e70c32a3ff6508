package engine

import (
	"errors"
	"maps"
	"sort"

	"github.com/DoyleJ11/lanparty/pkg/types"
)

var ErrResourceTaken = errors.New("resource already taken")
var ErrUnknownResource = errors.New("unknown resource")
var ErrAlreadyReady = errors.New("peer already confirmed a different resource")
var ErrUnsupportedCommand = errors.New("unsupported command")

// State is the authoritative selection table. Picks and Ready are keyed by
// peer id.
type State struct {
	Picks map[string]types.Pick
	Ready map[string]bool
}

type CommandType string

const (
	CmdSelect CommandType = "Select"
	CmdReady  CommandType = "Ready"
	CmdForget CommandType = "Forget"
)

/*
	CmdSelect -> EvtResourceSelected
	CmdReady  -> EvtPickRevoked (only if an unconfirmed peer held the resource)
	          -> EvtResourceSelected (only if the pick changed) -> EvtPeerReady
	CmdForget -> EvtPeerForgotten (only if the peer had lobby state)
*/

type Command struct {
	Type   CommandType
	PeerID string
	Pick   types.Pick
}

type EventType string

const (
	EvtResourceSelected EventType = "ResourceSelected"
	EvtPeerReady        EventType = "PeerReady"
	EvtPeerForgotten    EventType = "PeerForgotten"
	// EvtPickRevoked names the peer whose unconfirmed pick lost to a
	// confirmation. Pick is what it held.
	EvtPickRevoked EventType = "PickRevoked"
)

type Event struct {
	Type   EventType
	PeerID string
	Pick   types.Pick
}

// Apply validates cmd against s and returns the resulting events and state.
// s is never modified; on error the returned state is s.
func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdSelect:
		if !cmd.Pick.ResourceID.Valid() {
			return nil, s, ErrUnknownResource
		}
		if s.Ready[cmd.PeerID] {
			// Confirmed peers are locked in.
			if s.Picks[cmd.PeerID].ResourceID == cmd.Pick.ResourceID {
				return nil, s, nil
			}
			return nil, s, ErrAlreadyReady
		}
		if Holder(s, cmd.Pick.ResourceID, cmd.PeerID) != "" {
			return nil, s, ErrResourceTaken
		}

		newState := Clone(s)
		newState.Picks[cmd.PeerID] = cmd.Pick
		events := []Event{{Type: EvtResourceSelected, PeerID: cmd.PeerID, Pick: cmd.Pick}}
		return events, newState, nil

	case CmdReady:
		if !cmd.Pick.ResourceID.Valid() {
			return nil, s, ErrUnknownResource
		}
		current, picked := s.Picks[cmd.PeerID]
		if s.Ready[cmd.PeerID] {
			if current.ResourceID == cmd.Pick.ResourceID {
				// Retransmitted confirmation.
				return nil, s, nil
			}
			return nil, s, ErrAlreadyReady
		}
		// Only a confirmation locks a resource; a bare claim yields to it.
		if ReadyHolder(s, cmd.Pick.ResourceID, cmd.PeerID) != "" {
			return nil, s, ErrResourceTaken
		}

		newState := Clone(s)
		var events []Event
		if displaced := Holder(s, cmd.Pick.ResourceID, cmd.PeerID); displaced != "" {
			delete(newState.Picks, displaced)
			events = append(events, Event{Type: EvtPickRevoked, PeerID: displaced, Pick: s.Picks[displaced]})
		}
		if !picked || current.ResourceID != cmd.Pick.ResourceID {
			events = append(events, Event{Type: EvtResourceSelected, PeerID: cmd.PeerID, Pick: cmd.Pick})
		}
		newState.Picks[cmd.PeerID] = cmd.Pick
		newState.Ready[cmd.PeerID] = true
		events = append(events, Event{Type: EvtPeerReady, PeerID: cmd.PeerID, Pick: cmd.Pick})
		return events, newState, nil

	case CmdForget:
		_, picked := s.Picks[cmd.PeerID]
		if !picked && !s.Ready[cmd.PeerID] {
			return nil, s, nil
		}
		newState := Clone(s)
		delete(newState.Picks, cmd.PeerID)
		delete(newState.Ready, cmd.PeerID)
		return []Event{{Type: EvtPeerForgotten, PeerID: cmd.PeerID}}, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// Holder returns the peer other than exceptPeer whose pick is resource, or "".
func Holder(s State, resource types.Resource, exceptPeer string) string {
	for peer, pick := range s.Picks {
		if peer != exceptPeer && pick.ResourceID == resource {
			return peer
		}
	}
	return ""
}

// ReadyHolder is Holder restricted to confirmed peers.
func ReadyHolder(s State, resource types.Resource, exceptPeer string) string {
	for peer, pick := range s.Picks {
		if peer != exceptPeer && s.Ready[peer] && pick.ResourceID == resource {
			return peer
		}
	}
	return ""
}

// AllReady reports whether the ready set is exactly peers. An empty session
// is never ready.
func AllReady(s State, peers []string) bool {
	if len(peers) == 0 {
		return false
	}
	ready := 0
	for _, id := range peers {
		if !s.Ready[id] {
			return false
		}
		ready++
	}
	return ready == len(ReadyIDs(s))
}

// ReadyIDs returns the confirmed peers, sorted.
func ReadyIDs(s State) []string {
	out := make([]string, 0, len(s.Ready))
	for id, ok := range s.Ready {
		if ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of s.
func Clone(s State) State {
	out := NewEmptyState()
	maps.Copy(out.Picks, s.Picks)
	maps.Copy(out.Ready, s.Ready)
	return out
}
