// Package sessiontest has helpers for tests that consume session events.
package sessiontest

import (
	"testing"
	"time"

	"github.com/DoyleJ11/lanparty/internal/session"
)

// WaitFor drains q until an event of type T satisfying match arrives. Other
// events are discarded. It fails the test after within so tests never hang.
func WaitFor[T session.Event](t *testing.T, q *session.Queue, within time.Duration, match func(T) bool) T {
	t.Helper()
	deadline := time.After(within)
	for {
		for _, ev := range q.Drain() {
			if got, ok := ev.(T); ok && (match == nil || match(got)) {
				return got
			}
		}
		select {
		case <-q.Ready():
		case <-deadline:
			var zero T
			t.Fatalf("timed out after %v waiting for %T", within, zero)
			return zero
		}
	}
}

// Collect drains q for the full window and returns every event of type T.
func Collect[T session.Event](t *testing.T, q *session.Queue, window time.Duration) []T {
	t.Helper()
	var out []T
	deadline := time.After(window)
	for {
		for _, ev := range q.Drain() {
			if got, ok := ev.(T); ok {
				out = append(out, got)
			}
		}
		select {
		case <-q.Ready():
		case <-deadline:
			for _, ev := range q.Drain() {
				if got, ok := ev.(T); ok {
					out = append(out, got)
				}
			}
			return out
		}
	}
}
