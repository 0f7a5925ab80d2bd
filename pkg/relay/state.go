// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import "sync/atomic"

// State is the lifecycle state of one client connection.
type State int32

const (
	Negotiating State = iota
	BackendOpening
	Relaying
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Negotiating:
		return "negotiating"
	case BackendOpening:
		return "backend_opening"
	case Relaying:
		return "relaying"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the allowed successor states.
var transitions = map[State][]State{
	Negotiating:    {BackendOpening, Closed},
	BackendOpening: {Relaying, Closing},
	Relaying:       {Closing},
	Closing:        {Closed},
}

// Lifecycle tracks a connection's state. The zero value is Negotiating.
type Lifecycle struct {
	state atomic.Int32
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Transition moves to next if the move is allowed from the current state.
// It reports whether the transition happened; nothing leaves Closed.
func (l *Lifecycle) Transition(next State) bool {
	for {
		cur := State(l.state.Load())
		if !allowed(cur, next) {
			return false
		}
		if l.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
