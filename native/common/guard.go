package common

import "errors"

var (
	// ErrModulePaused is returned when a balance-increasing operation is
	// attempted while the protocol is paused.
	ErrModulePaused = errors.New("system paused")
	// ErrShutDown is returned for any mutation attempted after shutdown.
	ErrShutDown = errors.New("system shut down")
)

// OpClass partitions engine operations by how the protocol mode gates them.
type OpClass uint8

const (
	// OpRead covers read-only queries; never gated.
	OpRead OpClass = iota
	// OpMutate covers mutations that cannot increase exposure (burn,
	// withdraw, detach, deposit); blocked only after shutdown.
	OpMutate
	// OpExpand covers exposure-increasing mutations (mint, LP attach);
	// blocked while paused and after shutdown.
	OpExpand
)

// Gate reports whether an operation class is currently permitted.
type Gate interface {
	Allow(op OpClass) error
}

// Guard applies the gate when one is configured. A nil gate permits
// everything, matching engines that run without a protocol state machine
// in tests.
func Guard(g Gate, op OpClass) error {
	if g == nil {
		return nil
	}
	return g.Allow(op)
}
