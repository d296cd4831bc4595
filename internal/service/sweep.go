package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/loan-payments/internal/integrations/provider"
	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/money"
)

// Locker grants the sweep to one instance at a time. ok is false when another holder has it.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// SweepStats counts what one sweep run did
type SweepStats struct {
	Polled      int `json:"polled"`
	Expired     int `json:"expired"`
	Reminded    int `json:"reminded"`
	Reallocated int `json:"reallocated"`
	Skipped     bool
}

// Sweeper runs the periodic reconciliation sweep
type Sweeper struct {
	svc    *Service
	locker Locker
	log    *logrus.Logger
	cron   *cron.Cron

	mu       sync.Mutex
	reminded map[string]struct{}
}

// NewSweeper schedules the sweep on the configured cron expression
func NewSweeper(svc *Service, locker Locker) (*Sweeper, error) {
	s := &Sweeper{
		svc:      svc,
		locker:   locker,
		log:      svc.log,
		reminded: make(map[string]struct{}),
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(svc.log))))
	if _, err := s.cron.AddFunc(svc.config.Sweep.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("failed to schedule sweep %q: %w", svc.config.Sweep.Schedule, err)
	}
	return s, nil
}

// Start begins running the sweep in the background
func (s *Sweeper) Start() {
	s.log.Infof("Sweep scheduled %s", s.svc.config.Sweep.Schedule)
	s.cron.Start()
}

// Stop stops scheduling and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.svc.config.Sweep.LockTTL)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Errorf("Sweep failed: %v", err)
	}
}

// RunOnce performs one sweep if this instance gets the lock
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepStats, error) {
	unlock, ok, err := s.locker.TryLock(ctx)
	if err != nil {
		s.svc.metrics.Sweep("error")
		return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		s.svc.metrics.Sweep("skipped")
		s.log.Debug("Sweep held by another instance")
		return &SweepStats{Skipped: true}, nil
	}
	defer unlock()

	stats := &SweepStats{}
	steps := []struct {
		name string
		fn   func(context.Context, *SweepStats) error
	}{
		{"poll", s.poll},
		{"expire", s.expire},
		{"remind", s.remind},
		{"reallocate", s.reallocate},
	}
	for _, step := range steps {
		if err := step.fn(ctx, stats); err != nil {
			s.svc.metrics.Sweep("error")
			return stats, fmt.Errorf("sweep %s: %w", step.name, err)
		}
	}
	s.svc.metrics.Sweep("ok")
	if stats.Polled+stats.Expired+stats.Reminded+stats.Reallocated > 0 {
		s.log.WithFields(logrus.Fields{
			"polled":      stats.Polled,
			"expired":     stats.Expired,
			"reminded":    stats.Reminded,
			"reallocated": stats.Reallocated,
		}).Info("Sweep finished")
	}
	return stats, nil
}

// poll asks pull providers about intents that have waited long enough for a callback
func (s *Sweeper) poll(ctx context.Context, stats *SweepStats) error {
	cfg := s.svc.config
	for _, name := range s.svc.registry.Names() {
		adapter, _ := s.svc.registry.Get(name)
		poller, ok := adapter.(provider.Poller)
		if !ok {
			continue
		}
		pending, err := s.svc.store.ListPending(ctx, name, s.svc.now().Add(-cfg.Providers.Pull.PollAfter), cfg.Sweep.BatchSize)
		if err != nil {
			return err
		}
		for _, intent := range pending {
			if intent.ExternalReference == "" {
				continue
			}
			ev, err := poller.Poll(ctx, intent.ExternalReference)
			if err != nil {
				// One unreachable provider must not stop the rest of the sweep.
				s.log.Warnf("Poll of %s failed: %v", intent.InternalReference, err)
				continue
			}
			stats.Polled++
			if ev.Status == models.EventPending {
				continue
			}
			if _, err := s.svc.reconciler.ApplyTo(ctx, intent, ev, models.SourcePoll, false); err != nil {
				s.log.Errorf("Failed to apply poll result for %s: %v", intent.InternalReference, err)
			}
		}
	}
	return nil
}

// expire gives up on intents older than their provider's deadline
func (s *Sweeper) expire(ctx context.Context, stats *SweepStats) error {
	now := s.svc.now()
	for _, name := range s.svc.registry.Names() {
		after := s.svc.config.ExpireAfter(string(name))
		if after <= 0 {
			continue
		}
		pending, err := s.svc.store.ListPending(ctx, name, now.Add(-after), s.svc.config.Sweep.BatchSize)
		if err != nil {
			return err
		}
		for _, intent := range pending {
			res, err := s.svc.ledger.Transition(ctx, intent.ID, models.StateExpired, models.Evidence{
				Source:            models.SourceSweep,
				ResultDescription: fmt.Sprintf("no confirmation within %s", after),
				OccurredAt:        now,
			})
			if err != nil {
				return err
			}
			if !res.Won {
				continue
			}
			stats.Expired++
			ev := models.PaymentFailedEvent{IntentID: intent.ID.String(), Reason: "expired"}
			if err := s.svc.notifier.PaymentFailed(ctx, ev); err != nil {
				s.log.Errorf("Failed to publish payment.failed for %s: %v", intent.ID, err)
			}
		}
	}
	return nil
}

// remind alerts operators once about manual transfers waiting too long for review
func (s *Sweeper) remind(ctx context.Context, stats *SweepStats) error {
	after := s.svc.config.Providers.Manual.ReviewAlertAfter
	if after <= 0 {
		return nil
	}
	pending, err := s.svc.store.ListPending(ctx, models.ProviderBankTransfer, s.svc.now().Add(-after), s.svc.config.Sweep.BatchSize)
	if err != nil {
		return err
	}
	for _, intent := range pending {
		s.mu.Lock()
		_, done := s.reminded[intent.InternalReference]
		s.reminded[intent.InternalReference] = struct{}{}
		s.mu.Unlock()
		if done {
			continue
		}
		body := fmt.Sprintf("Bank transfer %s for %s %s has been awaiting review since %s.",
			intent.InternalReference, money.Format(intent.Amount), intent.Currency, intent.CreatedAt.Format(time.RFC3339))
		if err := s.svc.alerter.Alert(ctx, "Bank transfer awaiting review", body); err != nil {
			s.log.Errorf("Failed to send review reminder for %s: %v", intent.InternalReference, err)
			continue
		}
		stats.Reminded++
	}
	return nil
}

// reallocate retries confirmed intents whose allocation never completed
func (s *Sweeper) reallocate(ctx context.Context, stats *SweepStats) error {
	cutoff := s.svc.now().Add(-s.svc.config.Sweep.AllocationGrace)
	intents, err := s.svc.store.ListUnallocated(ctx, cutoff, s.svc.config.Sweep.BatchSize)
	if err != nil {
		return err
	}
	for _, intent := range intents {
		if _, err := s.svc.allocator.Allocate(ctx, intent); err != nil {
			s.log.Warnf("Retry allocation of %s: %v", intent.InternalReference, err)
			continue
		}
		stats.Reallocated++
	}
	return nil
}
