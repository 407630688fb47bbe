package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "sentinel", err: ErrOrderNotFound, want: true},
		{name: "typed with id", err: OrderNotFound("42"), want: true},
		{name: "wrapped", err: fmt.Errorf("load: %w", OrderNotFound("42")), want: true},
		{name: "other error", err: ErrInvalidStatus, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsValidation(t *testing.T) {
	validation := []error{
		ErrItemsRequired, ErrItemQtyInvalid, ErrInvalidStatus, ErrInvalidPage,
		ErrPageSizeTooLarge, ErrTransitionNotAllowed, ErrChargeIDRequired,
	}
	for _, err := range validation {
		if !IsValidation(err) {
			t.Errorf("%v must be a validation error", err)
		}
	}

	other := []error{ErrOrderNotFound, ErrUpstreamUnavailable, ErrSettlementConflict, errors.New("boom")}
	for _, err := range other {
		if IsValidation(err) {
			t.Errorf("%v must not be a validation error", err)
		}
	}
}

func TestNotFoundErrorMessage(t *testing.T) {
	err := OrderNotFound("abc")
	if err.Error() != "Order with abc not found" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	var nf *NotFoundError
	if !errors.As(fmt.Errorf("wrap: %w", err), &nf) || nf.ID != "abc" {
		t.Fatalf("expected NotFoundError with id, got %v", nf)
	}
}

func TestInvalidStatusMessageListsStatuses(t *testing.T) {
	msg := ErrInvalidStatus.Error()
	for _, s := range OrderStatusList {
		if !strings.Contains(msg, string(s)) {
			t.Fatalf("message %q must mention %s", msg, s)
		}
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	err := &RemoteError{Service: "payments", Status: 402, Message: "card declined"}
	if err.Error() != "payments replied 402: card declined" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
