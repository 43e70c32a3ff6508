package session

import (
	"errors"
	"time"
)

var ErrJoinTimeout = errors.New("background loops did not exit in time")

// JoinWithin waits for wait to return, giving up after timeout. Teardown
// continues either way; the caller only learns whether loops were stuck.
func JoinWithin(wait func() error, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return ErrJoinTimeout
	}
}
