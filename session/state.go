// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import "fmt"

// State is the stage a session has reached.
type State uint8

const (
	// StateCreated is the state of a session that has not started.
	StateCreated State = iota

	// StateOpen is entered once the local commitment is published.  The
	// session collects commitments until the pool is full.
	StateOpen

	// StateFilling is entered once the pool holds a commitment for every
	// peer.  The commitment set is frozen and the template is built.
	StateFilling

	// StateAwaitingSignatures is entered once the local input is signed.
	StateAwaitingSignatures

	// StateFinalized is entered once the transaction is assembled.
	StateFinalized

	// StateAborted is entered when the session fails.  AbortReason tells
	// why.
	StateAborted
)

var stateStrings = map[State]string{
	StateCreated:            "Created",
	StateOpen:               "Open",
	StateFilling:            "Filling",
	StateAwaitingSignatures: "AwaitingSignatures",
	StateFinalized:          "Finalized",
	StateAborted:            "Aborted",
}

// String returns the State as a human-readable name.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown State (%d)", uint8(s))
}

// IsTerminal returns whether no transition leaves the state.
func (s State) IsTerminal() bool {
	return s == StateFinalized || s == StateAborted
}

// Role is the part a session plays in its pool.
type Role uint8

const (
	// RoleInitiator advertises the pool before committing to it.
	RoleInitiator Role = iota

	// RoleJoiner commits to a pool advertised by someone else.
	RoleJoiner
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleJoiner:
		return "joiner"
	default:
		return fmt.Sprintf("Unknown Role (%d)", uint8(r))
	}
}
