// Package engine contains the trading core: the order state machine, the
// order lifecycle manager, the risk gate, the startup reconciler, and the
// orchestrator that runs them.
package engine

import (
	"context"
	"fmt"
	"time"

	"kestrel/internal/domain"
)

// InvalidTransitionError reports an attempt to move an order between states
// the lifecycle does not allow.
type InvalidTransitionError struct {
	LocalID string
	From    domain.OrderState
	To      domain.OrderState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("engine: invalid transition %s -> %s for order %s", e.From, e.To, e.LocalID)
}

// validTransitions is the full order lifecycle. Terminal states have no
// entry and therefore admit nothing.
var validTransitions = map[domain.OrderState][]domain.OrderState{
	domain.StatePendingSubmit: {
		domain.StateSubmitted,
		domain.StateSubmitFailed,
	},
	domain.StateSubmitted: {
		domain.StateAccepted,
		domain.StateRejected,
		domain.StateFilled,
		domain.StateCanceled,
	},
	domain.StateAccepted: {
		domain.StatePartiallyFilled,
		domain.StateFilled,
		domain.StateCanceled,
		domain.StateExpired,
	},
	domain.StatePartiallyFilled: {
		domain.StatePartiallyFilled,
		domain.StateFilled,
		domain.StateCanceled,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to domain.OrderState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the order to the target state, bumping its version and
// update time. Returns *InvalidTransitionError if the move is not in the
// lifecycle table; the order is left untouched on error.
func Transition(o *domain.OrderRecord, to domain.OrderState) error {
	if !CanTransition(o.State, to) {
		return &InvalidTransitionError{LocalID: o.LocalID, From: o.State, To: to}
	}
	o.State = to
	o.Version++
	o.UpdatedAt = time.Now()
	return nil
}

type reconciliationKey struct{}

// WithReconciliation marks ctx as belonging to a reconciliation pass,
// authorizing ForceTransition.
func WithReconciliation(ctx context.Context) context.Context {
	return context.WithValue(ctx, reconciliationKey{}, true)
}

// IsReconciliation reports whether ctx carries the reconciliation mark.
func IsReconciliation(ctx context.Context) bool {
	v, _ := ctx.Value(reconciliationKey{}).(bool)
	return v
}

// ForceTransition moves the order to the target state without consulting the
// lifecycle table. Only reconciliation may do this — venue truth overrides
// the local lifecycle there, and nowhere else. Calling it outside a
// reconciliation context is a programming error and panics.
func ForceTransition(ctx context.Context, o *domain.OrderRecord, to domain.OrderState) {
	if !IsReconciliation(ctx) {
		panic(fmt.Sprintf("engine: ForceTransition(%s -> %s) outside reconciliation", o.State, to))
	}
	o.State = to
	o.Version++
	o.UpdatedAt = time.Now()
}
