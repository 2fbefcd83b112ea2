package ws

import "github.com/soundchat/internal/events"

// transitions is the Connection Manager state machine. Anything not listed is refused.
var transitions = map[events.ConnState][]events.ConnState{
	events.StateDisconnected: {events.StateConnecting},
	events.StateConnecting:   {events.StateConnected, events.StateDegraded, events.StateDisconnected},
	events.StateConnected:    {events.StateReconnecting, events.StateDisconnected},
	events.StateReconnecting: {events.StateConnected, events.StateDegraded, events.StateDisconnected},
	events.StateDegraded:     {events.StateConnected, events.StateDisconnected},
}

func canTransition(from, to events.ConnState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
