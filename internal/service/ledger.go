package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/loan-payments/internal/metrics"
	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/repository"
)

// maxTransitionAttempts bounds the compare-and-swap loop; an intent can change state at most twice.
const maxTransitionAttempts = 5

// TransitionResult is the outcome of Ledger.Transition.
type TransitionResult struct {
	Intent *models.PaymentIntent
	From   models.IntentState
	// Won is true only for the caller whose compare-and-swap changed the state.
	Won bool
}

// Ledger is the only writer of intent state
type Ledger struct {
	store   repository.IntentStore
	log     *logrus.Logger
	metrics *metrics.Metrics
}

// NewLedger initializes a ledger over the intent store
func NewLedger(store repository.IntentStore, log *logrus.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{store: store, log: log, metrics: m}
}

// CreateIntent records a new PENDING intent
func (l *Ledger) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	if intent.State != models.StatePending {
		return fmt.Errorf("new intents must be %s, got %s", models.StatePending, intent.State)
	}
	if err := l.store.CreateIntent(ctx, intent); err != nil {
		return err
	}
	l.log.WithFields(logrus.Fields{
		"intent_id":          intent.ID,
		"provider":           intent.Provider,
		"internal_reference": intent.InternalReference,
	}).Infof("Intent created for %s %s", intent.Amount.StringFixed(2), intent.Currency)
	return nil
}

// FindByInternalReference looks an intent up by our reference
func (l *Ledger) FindByInternalReference(ctx context.Context, ref string) (*models.PaymentIntent, error) {
	return l.store.FindByInternalReference(ctx, ref)
}

// FindByExternalReference looks an intent up by the provider's reference
func (l *Ledger) FindByExternalReference(ctx context.Context, p models.Provider, ref string) (*models.PaymentIntent, error) {
	return l.store.FindByExternalReference(ctx, p, ref)
}

// Transition moves an intent to target if the state machine allows it from the state it is in.
// Disallowed moves are no-ops that return the current intent.
func (l *Ledger) Transition(ctx context.Context, id uuid.UUID, target models.IntentState, ev models.Evidence) (*TransitionResult, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		current, err := l.store.GetIntent(ctx, id)
		if err != nil {
			return nil, err
		}

		if !models.CanTransition(current.State, target) {
			l.refuse(current, target, ev)
			return &TransitionResult{Intent: current, From: current.State}, nil
		}

		swapped, err := l.store.CompareAndSwapState(ctx, id, current.State, target, ev)
		if err != nil {
			return nil, err
		}
		if !swapped {
			// Someone else moved it first; re-read and decide again.
			continue
		}

		updated, err := l.store.GetIntent(ctx, id)
		if err != nil {
			return nil, err
		}
		l.won(updated, current.State, ev)
		return &TransitionResult{Intent: updated, From: current.State, Won: true}, nil
	}
	return nil, fmt.Errorf("intent %s: gave up after %d transition attempts", id, maxTransitionAttempts)
}

func (l *Ledger) won(intent *models.PaymentIntent, from models.IntentState, ev models.Evidence) {
	l.metrics.Transition(string(intent.Provider), string(from), string(intent.State), string(ev.Source))
	entry := l.log.WithFields(logrus.Fields{
		"intent_id": intent.ID,
		"provider":  intent.Provider,
		"from":      from,
		"to":        intent.State,
		"source":    ev.Source,
	})
	if from == models.StateExpired && intent.State == models.StateConfirmed {
		l.metrics.LateConfirmation(string(intent.Provider))
		entry.Warn((&ExpiryRace{IntentID: intent.ID, Source: ev.Source}).Error())
		return
	}
	entry.Info("Intent transitioned")
}

func (l *Ledger) refuse(current *models.PaymentIntent, target models.IntentState, ev models.Evidence) {
	entry := l.log.WithFields(logrus.Fields{
		"intent_id": current.ID,
		"provider":  current.Provider,
		"source":    ev.Source,
	})
	if current.State == target {
		entry.Debugf("Duplicate %s evidence ignored", target)
		return
	}
	l.metrics.Conflict(string(current.Provider), string(current.State), string(target))
	entry.Warn((&ReconciliationConflict{IntentID: current.ID, Current: current.State, Target: target}).Error())
}

// isNotFound reports whether err is a repository miss.
func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
