package session

import (
	"sync/atomic"

	"github.com/DoyleJ11/lanparty/pkg/types"
)

type stamped struct {
	snap types.WorldSnapshot
	seq  uint64
}

// SnapshotSlot holds the most recent world snapshot. Older values are simply
// overwritten; readers only ever see whole snapshots.
type SnapshotSlot struct {
	cur atomic.Pointer[stamped]
	seq atomic.Uint64
}

func (s *SnapshotSlot) Publish(snap types.WorldSnapshot) {
	s.cur.Store(&stamped{snap: snap, seq: s.seq.Add(1)})
}

// Latest returns the newest snapshot and its sequence number; ok is false
// until something has been published.
func (s *SnapshotSlot) Latest() (snap types.WorldSnapshot, seq uint64, ok bool) {
	cur := s.cur.Load()
	if cur == nil {
		return types.WorldSnapshot{}, 0, false
	}
	return cur.snap, cur.seq, true
}

// WorldSnapshot lets a slot stand in as the host's snapshot source.
func (s *SnapshotSlot) WorldSnapshot() types.WorldSnapshot {
	snap, _, _ := s.Latest()
	return snap
}
