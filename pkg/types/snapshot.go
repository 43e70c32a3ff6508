package types

import "encoding/json"

// WorldSnapshot is the world-state payload. Its contents belong to the game
// engine; the session layer only moves the bytes.
//
//	entities: ordered entity records (tanks, bullets, ...)
//	round:    round/score record
type WorldSnapshot struct {
	Entities []json.RawMessage `json:"entities"`
	Round    json.RawMessage   `json:"round"`
}
