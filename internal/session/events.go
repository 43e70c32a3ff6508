package session

import (
	"github.com/DoyleJ11/lanparty/pkg/types"
)

// Event is a notification produced by a network loop and consumed by the
// frame loop through a Queue.
type Event interface{ isSessionEvent() }

// Discovery

type SessionsChanged struct {
	Sessions []Advertised
}

// Advertised is one row of the discoverer's table.
type Advertised struct {
	Origin    string // ip:port the advertisement came from
	HostIP    string
	Name      string
	Occupancy int
	Capacity  int
	Mode      string
	Port      int
	LastSeen  int64 // unix millis
}

func (SessionsChanged) isSessionEvent() {}

// Host side

type PeerJoined struct {
	PeerID      string
	DisplayName string
	Addr        string
}

type PeerLeft struct {
	PeerID string
	Reason string
}

type InputReceived struct {
	PeerID   string
	Pressed  []string
	Released []string
}

type ProtocolError struct {
	PeerID string
	Kind   types.Kind
	Err    error
}

type GameStarted struct {
	Picks map[string]types.Pick
}

func (PeerJoined) isSessionEvent()    {}
func (PeerLeft) isSessionEvent()      {}
func (InputReceived) isSessionEvent() {}
func (ProtocolError) isSessionEvent() {}
func (GameStarted) isSessionEvent()   {}

// Client side

type Connected struct {
	PeerID string
}

type Disconnected struct {
	Reason string
}

type WorldStateReceived struct{}

func (Connected) isSessionEvent()          {}
func (Disconnected) isSessionEvent()       {}
func (WorldStateReceived) isSessionEvent() {}

// Lobby, both sides

type LobbyOpened struct{}

type LobbyUpdated struct {
	Picks    map[string]types.Pick
	ReadyIDs []string
}

type SelectionConflicted struct {
	ResourceID types.Resource
	Reason     string
}

func (LobbyOpened) isSessionEvent()         {}
func (LobbyUpdated) isSessionEvent()        {}
func (SelectionConflicted) isSessionEvent() {}
