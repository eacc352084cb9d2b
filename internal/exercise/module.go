// Package exercise defines the training module abstraction that sessions
// orchestrate, plus the registry concrete exercises are looked up from.
package exercise

import (
	"github.com/mindrill/mindrill/internal/state"
)

// Module is one running training exercise. Implementations are not required
// to be goroutine-safe: the owning session serializes all calls.
type Module interface {
	// Name identifies the exercise type.
	Name() string
	// Advance runs one training round.
	Advance() error
	// ApplyInput processes one viewer input and returns the module's result.
	ApplyInput(input map[string]any) (map[string]any, error)
	// Snapshot captures the current state. The returned state is owned by the
	// caller and must not alias module internals.
	Snapshot() state.State
}
