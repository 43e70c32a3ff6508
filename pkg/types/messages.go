package types

// Kind tags every envelope on the wire. The set is closed; anything else is
// rejected at decode time.
type Kind string

const (
	// Discovery port
	KindSessionAdvertisement Kind = "session-advertisement"

	// Session port, client -> host
	KindJoinRequest      Kind = "join-request"
	KindPlayerInput      Kind = "player-input"
	KindHeartbeat        Kind = "heartbeat"
	KindResourceSelected Kind = "resource-selected"
	KindSelectionReady   Kind = "selection-ready"

	// Session port, host -> client
	KindJoinResponse      Kind = "join-response"
	KindWorldState        Kind = "world-state"
	KindLobbyStart        Kind = "lobby-start"
	KindLobbySync         Kind = "lobby-sync"
	KindSelectionConflict Kind = "selection-conflict"

	// Either direction
	KindDisconnect Kind = "disconnect"
)

var kinds = []Kind{
	KindSessionAdvertisement,
	KindJoinRequest,
	KindJoinResponse,
	KindPlayerInput,
	KindWorldState,
	KindDisconnect,
	KindHeartbeat,
	KindLobbyStart,
	KindResourceSelected,
	KindLobbySync,
	KindSelectionReady,
	KindSelectionConflict,
}

// Kinds returns every valid kind in wire-table order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsLobby reports whether envelopes of this kind belong to the selection phase.
func (k Kind) IsLobby() bool {
	switch k {
	case KindLobbyStart, KindResourceSelected, KindLobbySync, KindSelectionReady, KindSelectionConflict:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// HostPeerID is the id the hosting process plays under. It counts toward
// occupancy and must be ready like any other peer.
const HostPeerID = "host"

// Disconnect reasons
const (
	ReasonUserQuit     = "user_quit"
	ReasonHostShutdown = "host_shutdown"
	ReasonTimeout      = "timeout"
	ReasonSessionFull  = "session full"
)

// SessionAdvertisement:
//
//	name: string
//	occupancy: number (host included)
//	capacity: number
//	mode: string
//	port: number (session port to send join-request to)
type SessionAdvertisement struct {
	Name      string `json:"name"`
	Occupancy int    `json:"occupancy"`
	Capacity  int    `json:"capacity"`
	Mode      string `json:"mode"`
	Port      int    `json:"port"`
}

type JoinRequest struct {
	DisplayName string `json:"display_name"`
}

// JoinResponse carries PeerID iff Success and Reason iff !Success.
type JoinResponse struct {
	Success bool   `json:"success"`
	PeerID  string `json:"peer_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type PlayerInput struct {
	KeysPressed  []string `json:"keys_pressed"`
	KeysReleased []string `json:"keys_released"`
}

type Disconnect struct {
	Reason string `json:"reason"`
}

type Heartbeat struct{}

type LobbyStart struct{}

// Pick is the payload of resource-selected and selection-ready, and the
// per-peer value of LobbySync.Picks.
type Pick struct {
	ResourceID       Resource          `json:"resource_id"`
	ResourceMetadata map[string]string `json:"resource_metadata,omitempty"`
}

type LobbySync struct {
	Picks    map[string]Pick `json:"picks"`
	ReadyIDs []string        `json:"ready_ids"`
}

type SelectionConflict struct {
	ResourceID Resource `json:"resource_id"`
	Reason     string   `json:"reason"`
}
