package engine

import (
	"context"
	"errors"
	"testing"

	"kestrel/internal/domain"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from domain.OrderState
		to   domain.OrderState
		ok   bool
	}{
		{domain.StatePendingSubmit, domain.StateSubmitted, true},
		{domain.StatePendingSubmit, domain.StateSubmitFailed, true},
		{domain.StatePendingSubmit, domain.StateFilled, false},
		{domain.StateSubmitted, domain.StateAccepted, true},
		{domain.StateSubmitted, domain.StateRejected, true},
		{domain.StateSubmitted, domain.StateFilled, true},
		{domain.StateSubmitted, domain.StateCanceled, true},
		{domain.StateSubmitted, domain.StateExpired, false},
		{domain.StateAccepted, domain.StatePartiallyFilled, true},
		{domain.StateAccepted, domain.StateFilled, true},
		{domain.StateAccepted, domain.StateCanceled, true},
		{domain.StateAccepted, domain.StateExpired, true},
		{domain.StateAccepted, domain.StateRejected, false},
		{domain.StatePartiallyFilled, domain.StatePartiallyFilled, true},
		{domain.StatePartiallyFilled, domain.StateFilled, true},
		{domain.StatePartiallyFilled, domain.StateCanceled, true},
		{domain.StatePartiallyFilled, domain.StateExpired, false},
		// Terminal states admit nothing.
		{domain.StateFilled, domain.StateCanceled, false},
		{domain.StateCanceled, domain.StateSubmitted, false},
		{domain.StateRejected, domain.StateAccepted, false},
		{domain.StateSubmitFailed, domain.StateSubmitted, false},
		{domain.StateExpired, domain.StateFilled, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTransitionBumpsVersion(t *testing.T) {
	o := &domain.OrderRecord{
		LocalID: "o1",
		State:   domain.StatePendingSubmit,
		Version: 1,
	}
	if err := Transition(o, domain.StateSubmitted); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if o.State != domain.StateSubmitted {
		t.Errorf("state = %s, want submitted", o.State)
	}
	if o.Version != 2 {
		t.Errorf("version = %d, want 2", o.Version)
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	o := &domain.OrderRecord{
		LocalID: "o1",
		State:   domain.StateFilled,
		Version: 3,
	}
	err := Transition(o, domain.StateCanceled)
	if err == nil {
		t.Fatal("Transition out of a terminal state must fail")
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("error type = %T, want *InvalidTransitionError", err)
	}
	if o.State != domain.StateFilled || o.Version != 3 {
		t.Error("failed transition must leave the order untouched")
	}
}

func TestForceTransitionRequiresReconciliationContext(t *testing.T) {
	o := &domain.OrderRecord{LocalID: "o1", State: domain.StateSubmitted, Version: 2}

	defer func() {
		if recover() == nil {
			t.Error("ForceTransition outside reconciliation must panic")
		}
	}()
	ForceTransition(context.Background(), o, domain.StateFilled)
}

func TestForceTransitionInReconciliation(t *testing.T) {
	o := &domain.OrderRecord{LocalID: "o1", State: domain.StateSubmitted, Version: 2}
	ctx := WithReconciliation(context.Background())

	// Submitted -> Expired is not in the table; reconciliation may do it anyway.
	ForceTransition(ctx, o, domain.StateExpired)
	if o.State != domain.StateExpired {
		t.Errorf("state = %s, want expired", o.State)
	}
	if o.Version != 3 {
		t.Errorf("version = %d, want 3", o.Version)
	}
}
