package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Dan9191/loan-payments/internal/models"
)

var (
	// ErrAlreadyReversed is returned when a payment has been reversed before.
	ErrAlreadyReversed = errors.New("payment already reversed")
	// ErrNotManual is returned when a review action targets a non-manual intent.
	ErrNotManual = errors.New("intent is not a manual bank transfer")
	// ErrUnknownProvider is returned for a provider name no adapter is registered for.
	ErrUnknownProvider = errors.New("unknown provider")
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a request is rejected before any side effect.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// ProviderError is a transport-level failure talking to a provider. The intent stays PENDING.
type ProviderError struct {
	Provider          models.Provider
	InternalReference string
	Err               error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed for %s: %v", e.Provider, e.InternalReference, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ReconciliationConflict means a transition was asked of an intent already in a settled state.
type ReconciliationConflict struct {
	IntentID uuid.UUID
	Current  models.IntentState
	Target   models.IntentState
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("intent %s is %s, cannot move to %s", e.IntentID, e.Current, e.Target)
}

// AllocationError means confirmed money could not be applied to its loan.
type AllocationError struct {
	IntentID uuid.UUID
	LoanID   *uuid.UUID
	Reason   string
}

func (e *AllocationError) Error() string {
	if e.LoanID == nil {
		return fmt.Sprintf("cannot allocate intent %s: %s", e.IntentID, e.Reason)
	}
	return fmt.Sprintf("cannot allocate intent %s to loan %s: %s", e.IntentID, *e.LoanID, e.Reason)
}

// ExpiryRace records a confirmation that arrived after the sweep expired the intent.
// It is logged and counted, never returned to a provider.
type ExpiryRace struct {
	IntentID uuid.UUID
	Source   models.TransitionSource
}

func (e *ExpiryRace) Error() string {
	return fmt.Sprintf("intent %s confirmed by %s after expiry", e.IntentID, e.Source)
}
