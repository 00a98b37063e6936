package session

import (
	"math"
	"time"
)

// State is the connection state of a notification session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Delay returns the reconnect delay for the given attempt number:
// initial * multiplier^attempt. Attempt numbering starts at 0.
func Delay(initial time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt <= 0 {
		return initial
	}
	return time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt)))
}
