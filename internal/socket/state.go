package socket

import "fmt"

// State is a subscription's position in its connection state machine:
//
//	Connecting -> Open -> Closed -> (after ReconnectDelay) Connecting ...
//
// A failed dial goes straight from Connecting to Closed. A caller-initiated
// Close moves any state to Closed and ends the machine.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
