package session

import taxerr "github.com/neuroconv/orchestrator/internal/errors"

// ErrTerminalState is returned when a mutation is attempted against a
// session that has already reached a terminal state (spec.md §3 invariant).
var ErrTerminalState = taxerr.New(taxerr.KindTerminalState, "session has reached a terminal state")

// ErrInvalidStateTransition is returned when Transition is asked to move
// to a state not reachable from the current one per the adjacency table.
var ErrInvalidStateTransition = taxerr.New(taxerr.KindInvalidStateTransition, "illegal state transition")

// ErrNotFound is returned by Store implementations when a session id is unknown.
var ErrNotFound = taxerr.New(taxerr.KindNotFound, "session not found")

// ErrConcurrency is returned by Store.Persist on an optimistic version mismatch.
var ErrConcurrency = taxerr.New(taxerr.KindConcurrencyError, "session version mismatch")
