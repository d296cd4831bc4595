package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Dan9191/loan-payments/internal/models"
)

// MemoryStore is an in-process Store used for tests and local runs.
type MemoryStore struct {
	mu           sync.Mutex
	intents      map[uuid.UUID]*models.PaymentIntent
	byInternal   map[string]uuid.UUID
	byExternal   map[string]uuid.UUID
	transitions  map[uuid.UUID][]models.IntentTransition
	nextTransID  int64
	loans        map[uuid.UUID]*models.Loan
	lines        map[uuid.UUID][]*models.ScheduleLine
	payments     map[uuid.UUID]*models.Payment
	credits      []*models.LoanCredit
	deadLetters  map[uuid.UUID]*models.DeadLetter
	unattributed map[uuid.UUID]*models.UnattributedEvent

	// loanMu serializes loan transactions the way SELECT ... FOR UPDATE does.
	loanMu sync.Mutex
}

// NewMemoryStore initializes an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:      make(map[uuid.UUID]*models.PaymentIntent),
		byInternal:   make(map[string]uuid.UUID),
		byExternal:   make(map[string]uuid.UUID),
		transitions:  make(map[uuid.UUID][]models.IntentTransition),
		loans:        make(map[uuid.UUID]*models.Loan),
		lines:        make(map[uuid.UUID][]*models.ScheduleLine),
		payments:     make(map[uuid.UUID]*models.Payment),
		deadLetters:  make(map[uuid.UUID]*models.DeadLetter),
		unattributed: make(map[uuid.UUID]*models.UnattributedEvent),
	}
}

var _ Store = (*MemoryStore)(nil)

func externalKey(provider models.Provider, ref string) string {
	return string(provider) + "|" + ref
}

// CreateIntent stores a new intent
func (s *MemoryStore) CreateIntent(_ context.Context, intent *models.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byInternal[intent.InternalReference]; ok {
		return fmt.Errorf("internal reference %s: %w", intent.InternalReference, ErrDuplicate)
	}
	if intent.ExternalReference != "" {
		if _, ok := s.byExternal[externalKey(intent.Provider, intent.ExternalReference)]; ok {
			return fmt.Errorf("external reference %s: %w", intent.ExternalReference, ErrDuplicate)
		}
		s.byExternal[externalKey(intent.Provider, intent.ExternalReference)] = intent.ID
	}
	s.intents[intent.ID] = intent.Clone()
	s.byInternal[intent.InternalReference] = intent.ID
	return nil
}

// GetIntent retrieves an intent by id
func (s *MemoryStore) GetIntent(_ context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intentLocked(id)
}

func (s *MemoryStore) intentLocked(id uuid.UUID) (*models.PaymentIntent, error) {
	intent, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	return intent.Clone(), nil
}

// FindByInternalReference retrieves an intent by its internal reference
func (s *MemoryStore) FindByInternalReference(_ context.Context, ref string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byInternal[ref]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", ref, ErrNotFound)
	}
	return s.intentLocked(id)
}

// FindByExternalReference retrieves an intent by provider reference
func (s *MemoryStore) FindByExternalReference(_ context.Context, provider models.Provider, ref string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[externalKey(provider, ref)]
	if !ok {
		return nil, fmt.Errorf("intent %s/%s: %w", provider, ref, ErrNotFound)
	}
	return s.intentLocked(id)
}

// SetExternalReference records the provider's reference once it is known
func (s *MemoryStore) SetExternalReference(_ context.Context, id uuid.UUID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	return s.bindExternalLocked(intent, ref)
}

func (s *MemoryStore) bindExternalLocked(intent *models.PaymentIntent, ref string) error {
	if ref == "" || intent.ExternalReference == ref {
		return nil
	}
	if intent.ExternalReference != "" {
		return fmt.Errorf("intent %s already has external reference %s: %w", intent.ID, intent.ExternalReference, ErrDuplicate)
	}
	key := externalKey(intent.Provider, ref)
	if _, taken := s.byExternal[key]; taken {
		return fmt.Errorf("external reference %s: %w", ref, ErrDuplicate)
	}
	s.byExternal[key] = intent.ID
	intent.ExternalReference = ref
	intent.UpdatedAt = time.Now().UTC()
	return nil
}

// CompareAndSwapState moves an intent from one state to another if it is still in from
func (s *MemoryStore) CompareAndSwapState(_ context.Context, id uuid.UUID, from, to models.IntentState, ev models.Evidence) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[id]
	if !ok {
		return false, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	if intent.State != from {
		return false, nil
	}
	if intent.ExternalReference == "" {
		if err := s.bindExternalLocked(intent, ev.ExternalReference); err != nil {
			return false, err
		}
	}

	now := ev.OccurredAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	applyTransition(intent, from, to, ev, now)

	s.nextTransID++
	s.transitions[id] = append(s.transitions[id], models.IntentTransition{
		ID:                s.nextTransID,
		IntentID:          id,
		FromState:         from,
		ToState:           to,
		Source:            ev.Source,
		ResultCode:        ev.ResultCode,
		ResultDescription: ev.ResultDescription,
		ReviewerID:        ev.ReviewerID,
		Metadata:          ev.Metadata,
		CreatedAt:         now,
	})
	return true, nil
}

// applyTransition mutates intent the same way the UPDATE in the postgres store does.
func applyTransition(intent *models.PaymentIntent, from, to models.IntentState, ev models.Evidence, now time.Time) {
	intent.State = to
	if ev.ResultCode != "" {
		intent.ResultCode = ev.ResultCode
	}
	if ev.ResultDescription != "" {
		intent.ResultDescription = ev.ResultDescription
	}
	if ev.Metadata != nil {
		intent.Metadata = ev.Metadata
	}
	if ev.Heuristic {
		intent.MatchedByHeuristic = true
	}
	if to == models.StateConfirmed {
		if ev.Amount.IsPositive() {
			intent.ConfirmedAmount = ev.Amount
		}
		at := now
		intent.ConfirmedAt = &at
		intent.LateConfirmation = from == models.StateExpired
		intent.AllocationStatus = models.AllocationPending
	}
	intent.UpdatedAt = now
}

// FindPendingMatch looks for a pending intent the heuristic matcher can attach an event to.
// Intents already carrying a provider reference are excluded: the event's reference could not be bound to them.
func (s *MemoryStore) FindPendingMatch(_ context.Context, provider models.Provider, loanID uuid.UUID, amount decimal.Decimal, since time.Time) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.PaymentIntent
	for _, intent := range s.intents {
		if intent.Provider != provider || intent.State != models.StatePending || intent.LoanID == nil || intent.ExternalReference != "" {
			continue
		}
		if *intent.LoanID != loanID || !intent.Amount.Equal(amount) || intent.CreatedAt.Before(since) {
			continue
		}
		if best == nil || intent.CreatedAt.Before(best.CreatedAt) {
			best = intent
		}
	}
	if best == nil {
		return nil, fmt.Errorf("pending match for loan %s: %w", loanID, ErrNotFound)
	}
	return best.Clone(), nil
}

// ListPending lists pending intents of a provider created before the cutoff
func (s *MemoryStore) ListPending(_ context.Context, provider models.Provider, createdBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PaymentIntent
	for _, intent := range s.intents {
		if intent.Provider == provider && intent.State == models.StatePending && intent.CreatedAt.Before(createdBefore) {
			out = append(out, intent.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// ListUnallocated lists confirmed intents whose allocation never completed
func (s *MemoryStore) ListUnallocated(_ context.Context, confirmedBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PaymentIntent
	for _, intent := range s.intents {
		if intent.State != models.StateConfirmed || intent.AllocationStatus != models.AllocationPending {
			continue
		}
		if intent.ConfirmedAt != nil && intent.ConfirmedAt.Before(confirmedBefore) {
			out = append(out, intent.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfirmedAt.Before(*out[j].ConfirmedAt) })
	return truncate(out, limit), nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// SetAllocationStatus records how far allocation of a confirmed intent got
func (s *MemoryStore) SetAllocationStatus(_ context.Context, id uuid.UUID, status models.AllocationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	intent.AllocationStatus = status
	intent.UpdatedAt = time.Now().UTC()
	return nil
}

// ListTransitions returns the audit trail of an intent
func (s *MemoryStore) ListTransitions(_ context.Context, intentID uuid.UUID) ([]models.IntentTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.IntentTransition(nil), s.transitions[intentID]...), nil
}

// CreateLoan stores a loan and its schedule
func (s *MemoryStore) CreateLoan(_ context.Context, loan *models.Loan, lines []*models.ScheduleLine) error {
	s.loanMu.Lock()
	defer s.loanMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loans[loan.ID]; ok {
		return fmt.Errorf("loan %s: %w", loan.ID, ErrDuplicate)
	}
	for _, existing := range s.loans {
		if existing.LoanNumber == loan.LoanNumber {
			return fmt.Errorf("loan number %s: %w", loan.LoanNumber, ErrDuplicate)
		}
	}
	l := *loan
	s.loans[loan.ID] = &l
	s.lines[loan.ID] = cloneLines(lines)
	sortLines(s.lines[loan.ID])
	return nil
}

// GetLoan retrieves a loan by id
func (s *MemoryStore) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loan, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	l := *loan
	return &l, nil
}

// FindLoanByNumber retrieves a loan by its human-facing number
func (s *MemoryStore) FindLoanByNumber(_ context.Context, number string) (*models.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, loan := range s.loans {
		if loan.LoanNumber == number {
			l := *loan
			return &l, nil
		}
	}
	return nil, fmt.Errorf("loan number %s: %w", number, ErrNotFound)
}

// ListLines returns a snapshot of a loan's schedule
func (s *MemoryStore) ListLines(_ context.Context, loanID uuid.UUID) ([]*models.ScheduleLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loans[loanID]; !ok {
		return nil, fmt.Errorf("loan %s: %w", loanID, ErrNotFound)
	}
	return cloneLines(s.lines[loanID]), nil
}

// GetPayment retrieves a payment with its allocations
func (s *MemoryStore) GetPayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return clonePayment(p), nil
}

// FindPaymentByIntent retrieves the payment created for an intent
func (s *MemoryStore) FindPaymentByIntent(_ context.Context, intentID uuid.UUID) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.IntentID == intentID {
			return clonePayment(p), nil
		}
	}
	return nil, fmt.Errorf("payment for intent %s: %w", intentID, ErrNotFound)
}

// Payments returns every stored payment, for assertions in tests.
func (s *MemoryStore) Payments() []*models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, clonePayment(p))
	}
	return out
}

// Credits returns every overpayment credit entry, for assertions in tests.
func (s *MemoryStore) Credits() []*models.LoanCredit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.LoanCredit, 0, len(s.credits))
	for _, c := range s.credits {
		cc := *c
		out = append(out, &cc)
	}
	return out
}

// WithinLoanTx runs fn against copies of the loan rows and commits them only if fn succeeds
func (s *MemoryStore) WithinLoanTx(ctx context.Context, loanID uuid.UUID, fn func(tx LoanTx) error) error {
	s.loanMu.Lock()
	defer s.loanMu.Unlock()

	s.mu.Lock()
	loan, ok := s.loans[loanID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("loan %s: %w", loanID, ErrNotFound)
	}
	l := *loan
	tx := &memoryTx{
		store:    s,
		loan:     &l,
		lines:    cloneLines(s.lines[loanID]),
		payments: make(map[uuid.UUID]*models.Payment),
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loans[loanID] = tx.loan
	s.lines[loanID] = tx.lines
	for id, p := range tx.payments {
		s.payments[id] = p
	}
	s.credits = append(s.credits, tx.credits...)
	return nil
}

type memoryTx struct {
	store    *MemoryStore
	loan     *models.Loan
	lines    []*models.ScheduleLine
	payments map[uuid.UUID]*models.Payment
	credits  []*models.LoanCredit
}

func (tx *memoryTx) Loan() *models.Loan { return tx.loan }

func (tx *memoryTx) Lines() []*models.ScheduleLine { return tx.lines }

func (tx *memoryTx) PaymentForIntent(intentID uuid.UUID) (*models.Payment, error) {
	for _, p := range tx.payments {
		if p.IntentID == intentID {
			return clonePayment(p), nil
		}
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, p := range tx.store.payments {
		if p.IntentID == intentID {
			return clonePayment(p), nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) LockPayment(id uuid.UUID) (*models.Payment, error) {
	if p, ok := tx.payments[id]; ok {
		return clonePayment(p), nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	p, ok := tx.store.payments[id]
	if !ok || p.LoanID != tx.loan.ID {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return clonePayment(p), nil
}

func (tx *memoryTx) SaveLine(line *models.ScheduleLine) error {
	for i, l := range tx.lines {
		if l.ID == line.ID {
			c := *line
			tx.lines[i] = &c
			return nil
		}
	}
	return fmt.Errorf("schedule line %s: %w", line.ID, ErrNotFound)
}

func (tx *memoryTx) SaveLoan(loan *models.Loan) error {
	l := *loan
	l.Version = tx.loan.Version + 1
	tx.loan = &l
	return nil
}

func (tx *memoryTx) InsertPayment(p *models.Payment) error {
	if existing, _ := tx.PaymentForIntent(p.IntentID); existing != nil {
		return fmt.Errorf("payment for intent %s: %w", p.IntentID, ErrDuplicate)
	}
	tx.payments[p.ID] = clonePayment(p)
	return nil
}

func (tx *memoryTx) InsertCredit(c *models.LoanCredit) error {
	cc := *c
	tx.credits = append(tx.credits, &cc)
	return nil
}

func (tx *memoryTx) MarkReversed(p *models.Payment) error {
	tx.payments[p.ID] = clonePayment(p)
	return nil
}

// AddDeadLetter parks an allocation failure; one open letter per intent
func (s *MemoryStore) AddDeadLetter(_ context.Context, dl *models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deadLetters {
		if existing.IntentID == dl.IntentID && existing.ResolvedAt == nil {
			dl.ID = existing.ID
			return nil
		}
	}
	c := *dl
	s.deadLetters[dl.ID] = &c
	return nil
}

// GetDeadLetter retrieves a dead letter by id
func (s *MemoryStore) GetDeadLetter(_ context.Context, id uuid.UUID) (*models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	c := *dl
	return &c, nil
}

// ListDeadLetters lists dead letters oldest first
func (s *MemoryStore) ListDeadLetters(_ context.Context, openOnly bool, limit int) ([]*models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DeadLetter
	for _, dl := range s.deadLetters {
		if openOnly && dl.ResolvedAt != nil {
			continue
		}
		c := *dl
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// ResolveDeadLetter closes an open dead letter
func (s *MemoryStore) ResolveDeadLetter(_ context.Context, id uuid.UUID, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok || dl.ResolvedAt != nil {
		return fmt.Errorf("open dead letter %s: %w", id, ErrNotFound)
	}
	dl.ResolvedAt = &at
	dl.ResolvedBy = by
	return nil
}

// ParkUnattributed stores an unmatched event; false means it was already parked
func (s *MemoryStore) ParkUnattributed(_ context.Context, ev *models.UnattributedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ExternalReference != "" {
		for _, existing := range s.unattributed {
			if existing.Provider == ev.Provider && existing.ExternalReference == ev.ExternalReference {
				ev.ID = existing.ID
				return false, nil
			}
		}
	}
	c := *ev
	s.unattributed[ev.ID] = &c
	return true, nil
}

// GetUnattributed retrieves a parked event by id
func (s *MemoryStore) GetUnattributed(_ context.Context, id uuid.UUID) (*models.UnattributedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.unattributed[id]
	if !ok {
		return nil, fmt.Errorf("unattributed event %s: %w", id, ErrNotFound)
	}
	c := *ev
	return &c, nil
}

// ListUnattributed lists parked events oldest first
func (s *MemoryStore) ListUnattributed(_ context.Context, openOnly bool, limit int) ([]*models.UnattributedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.UnattributedEvent
	for _, ev := range s.unattributed {
		if openOnly && ev.ResolvedAt != nil {
			continue
		}
		c := *ev
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// ResolveUnattributed closes a parked event once an operator has assigned it
func (s *MemoryStore) ResolveUnattributed(_ context.Context, id uuid.UUID, by string, intentID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.unattributed[id]
	if !ok || ev.ResolvedAt != nil {
		return fmt.Errorf("open unattributed event %s: %w", id, ErrNotFound)
	}
	ev.ResolvedAt = &at
	ev.ResolvedBy = by
	ev.ResolvedIntentID = &intentID
	return nil
}

// ReopenUnattributed releases a claim whose assignment could not be completed
func (s *MemoryStore) ReopenUnattributed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.unattributed[id]
	if !ok {
		return fmt.Errorf("unattributed event %s: %w", id, ErrNotFound)
	}
	ev.ResolvedAt = nil
	ev.ResolvedBy = ""
	ev.ResolvedIntentID = nil
	return nil
}

// ReconciliationReport aggregates intents created inside the window
func (s *MemoryStore) ReconciliationReport(_ context.Context, from, to time.Time) (*models.ReconciliationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &models.ReconciliationReport{From: from, To: to}
	totals := make(map[models.Provider]*models.ProviderTotals)
	for _, intent := range s.intents {
		if intent.CreatedAt.Before(from) || !intent.CreatedAt.Before(to) {
			continue
		}
		pt, ok := totals[intent.Provider]
		if !ok {
			pt = &models.ProviderTotals{Provider: intent.Provider, ConfirmedAmount: decimal.Zero}
			totals[intent.Provider] = pt
		}
		switch intent.State {
		case models.StateConfirmed:
			pt.ConfirmedCount++
			pt.ConfirmedAmount = pt.ConfirmedAmount.Add(intent.SettledAmount())
			if intent.AllocationStatus == models.AllocationPending {
				report.UnallocatedIntents++
			}
		case models.StateExpired:
			pt.ExpiredCount++
		case models.StateFailed:
			pt.FailedCount++
		}
		if intent.LateConfirmation {
			report.LateConfirmations++
		}
		if intent.MatchedByHeuristic {
			report.HeuristicMatches++
		}
	}
	for _, pt := range totals {
		report.Providers = append(report.Providers, *pt)
	}
	sort.Slice(report.Providers, func(i, j int) bool { return report.Providers[i].Provider < report.Providers[j].Provider })

	for _, dl := range s.deadLetters {
		if dl.ResolvedAt == nil {
			report.OpenDeadLetters++
		}
	}
	for _, ev := range s.unattributed {
		if ev.ResolvedAt == nil {
			report.OpenUnattributed++
		}
	}
	return report, nil
}

func cloneLines(lines []*models.ScheduleLine) []*models.ScheduleLine {
	out := make([]*models.ScheduleLine, 0, len(lines))
	for _, l := range lines {
		c := *l
		out = append(out, &c)
	}
	return out
}

func sortLines(lines []*models.ScheduleLine) {
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].DueDate.Before(lines[j].DueDate) })
}

func clonePayment(p *models.Payment) *models.Payment {
	c := *p
	c.Allocations = append([]models.Allocation(nil), p.Allocations...)
	if p.ReversedAt != nil {
		at := *p.ReversedAt
		c.ReversedAt = &at
	}
	return &c
}
