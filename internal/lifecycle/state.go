// Package lifecycle tracks the per-tile state machine and publishes its
// transitions.
//
//	Unrealized ──► Pending ──► Materializing ──► Ready ◄──► Stale
//	    ▲             │              │             │          │
//	    │             └──────────────┴──► Ready    ▼          ▼
//	    └─────────────────────────────────────── Evicted ◄────┘
//
// Every state except Destroyed may move to Destroyed, which is terminal.
package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a transition the state machine does
// not allow.
var ErrInvalidTransition = errors.New("invalid tile transition")

// State is the lifecycle state of one tile.
type State uint8

const (
	// Unrealized means the record is known but has no cache entry.
	Unrealized State = iota
	// Pending means materialization was requested and admission is undecided.
	Pending
	// Materializing means a build is in flight.
	Materializing
	// Ready means an asset is displayable.
	Ready
	// Stale means the file changed after Ready; the old asset stays
	// displayable until the rebuild completes.
	Stale
	// Evicted means the asset was reclaimed under memory pressure.
	Evicted
	// Destroyed is terminal.
	Destroyed
)

var stateNames = [...]string{
	Unrealized:    "unrealized",
	Pending:       "pending",
	Materializing: "materializing",
	Ready:         "ready",
	Stale:         "stale",
	Evicted:       "evicted",
	Destroyed:     "destroyed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

var transitions = map[State][]State{
	Unrealized:    {Pending},
	Pending:       {Materializing, Ready, Unrealized},
	Materializing: {Ready, Unrealized},
	Ready:         {Stale, Evicted},
	Stale:         {Ready, Evicted},
	Evicted:       {Unrealized},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	if to == Destroyed {
		return from != Destroyed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Displayable reports whether a tile in state s has an asset to show.
func (s State) Displayable() bool { return s == Ready || s == Stale }
