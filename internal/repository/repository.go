package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/utils"
)

// Repository provides database operations
type Repository struct {
	db     *sql.DB
	cipher *utils.FieldCipher
}

// NewRepository initializes a new repository. A nil cipher stores payer references in the clear.
func NewRepository(db *sql.DB, cipher *utils.FieldCipher) *Repository {
	return &Repository{db: db, cipher: cipher}
}

var _ Store = (*Repository)(nil)

type scanner interface {
	Scan(dest ...interface{}) error
}

// mapError turns driver errors into the package sentinels.
func mapError(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

const intentColumns = `id, provider, direction, internal_reference, external_reference, amount, confirmed_amount,
	currency, payer_account_ref, loan_id, borrower_id, state, result_code, result_description,
	matched_by_heuristic, late_confirmation, allocation_status, metadata, created_at, updated_at, confirmed_at`

func (r *Repository) scanIntent(row scanner) (*models.PaymentIntent, error) {
	intent := &models.PaymentIntent{}
	var (
		external    sql.NullString
		loanID      uuid.NullUUID
		confirmedAt sql.NullTime
		payer       string
	)
	err := row.Scan(&intent.ID, &intent.Provider, &intent.Direction, &intent.InternalReference, &external,
		&intent.Amount, &intent.ConfirmedAmount, &intent.Currency, &payer, &loanID, &intent.BorrowerID,
		&intent.State, &intent.ResultCode, &intent.ResultDescription, &intent.MatchedByHeuristic,
		&intent.LateConfirmation, &intent.AllocationStatus, &intent.Metadata, &intent.CreatedAt,
		&intent.UpdatedAt, &confirmedAt)
	if err != nil {
		return nil, err
	}
	intent.ExternalReference = external.String
	intent.LoanID = uuidPtr(loanID)
	intent.ConfirmedAt = timePtr(confirmedAt)
	if intent.PayerAccountRef, err = r.cipher.Open(payer); err != nil {
		return nil, fmt.Errorf("failed to decrypt payer reference of intent %s: %w", intent.ID, err)
	}
	return intent, nil
}

func (r *Repository) queryIntent(ctx context.Context, what, where string, args ...interface{}) (*models.PaymentIntent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payments.payment_intents WHERE `+where, args...)
	intent, err := r.scanIntent(row)
	if err != nil {
		return nil, mapError(err, what)
	}
	return intent, nil
}

func (r *Repository) queryIntents(ctx context.Context, what, where string, args ...interface{}) ([]*models.PaymentIntent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+intentColumns+` FROM payments.payment_intents WHERE `+where, args...)
	if err != nil {
		return nil, mapError(err, what)
	}
	defer rows.Close()

	var out []*models.PaymentIntent
	for rows.Next() {
		intent, err := r.scanIntent(rows)
		if err != nil {
			return nil, mapError(err, what)
		}
		out = append(out, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, what)
	}
	return out, nil
}

// CreateIntent creates a new payment intent in the database
func (r *Repository) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	payer, err := r.cipher.Seal(intent.PayerAccountRef)
	if err != nil {
		return fmt.Errorf("failed to encrypt payer reference: %w", err)
	}
	query := `
		INSERT INTO payments.payment_intents (id, provider, direction, internal_reference, external_reference,
			amount, confirmed_amount, currency, payer_account_ref, loan_id, borrower_id, state, result_code,
			result_description, matched_by_heuristic, late_confirmation, allocation_status, metadata,
			created_at, updated_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`
	_, err = r.db.ExecContext(ctx, query, intent.ID, intent.Provider, intent.Direction, intent.InternalReference,
		nullString(intent.ExternalReference), intent.Amount, intent.ConfirmedAmount, intent.Currency, payer,
		nullUUID(intent.LoanID), intent.BorrowerID, intent.State, intent.ResultCode, intent.ResultDescription,
		intent.MatchedByHeuristic, intent.LateConfirmation, intent.AllocationStatus, nullBytes(intent.Metadata),
		intent.CreatedAt, intent.UpdatedAt, intent.ConfirmedAt)
	if err != nil {
		return mapError(err, "create intent "+intent.InternalReference)
	}
	return nil
}

// GetIntent retrieves an intent by id
func (r *Repository) GetIntent(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	return r.queryIntent(ctx, "find intent "+id.String(), `id = $1`, id)
}

// FindByInternalReference retrieves an intent by its internal reference
func (r *Repository) FindByInternalReference(ctx context.Context, ref string) (*models.PaymentIntent, error) {
	return r.queryIntent(ctx, "find intent "+ref, `internal_reference = $1`, ref)
}

// FindByExternalReference retrieves an intent by provider reference
func (r *Repository) FindByExternalReference(ctx context.Context, provider models.Provider, ref string) (*models.PaymentIntent, error) {
	return r.queryIntent(ctx, "find intent "+ref, `provider = $1 AND external_reference = $2`, provider, ref)
}

// SetExternalReference records the provider's reference once it is known
func (r *Repository) SetExternalReference(ctx context.Context, id uuid.UUID, ref string) error {
	query := `
		UPDATE payments.payment_intents
		SET external_reference = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND (external_reference IS NULL OR external_reference = $2)`
	res, err := r.db.ExecContext(ctx, query, id, ref)
	if err != nil {
		return mapError(err, "set external reference of intent "+id.String())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetIntent(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("intent %s already has an external reference: %w", id, ErrDuplicate)
	}
	return nil
}

// CompareAndSwapState moves an intent from one state to another if it is still in from,
// writing the audit row in the same transaction
func (r *Repository) CompareAndSwapState(ctx context.Context, id uuid.UUID, from, to models.IntentState, ev models.Evidence) (swapped bool, err error) {
	now := ev.OccurredAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transition: %w", err)
	}
	defer func() {
		if !swapped || err != nil {
			tx.Rollback()
		}
	}()

	update := `
		UPDATE payments.payment_intents SET
			state = $3::text,
			external_reference = COALESCE(external_reference, NULLIF($4::text, '')),
			confirmed_amount = CASE WHEN $3::text = 'CONFIRMED' AND $5::numeric > 0 THEN $5::numeric ELSE confirmed_amount END,
			confirmed_at = CASE WHEN $3::text = 'CONFIRMED' THEN $6::timestamptz ELSE confirmed_at END,
			late_confirmation = CASE WHEN $3::text = 'CONFIRMED' THEN $2::text = 'EXPIRED' ELSE late_confirmation END,
			allocation_status = CASE WHEN $3::text = 'CONFIRMED' THEN 'PENDING' ELSE allocation_status END,
			result_code = COALESCE(NULLIF($7::text, ''), result_code),
			result_description = COALESCE(NULLIF($8::text, ''), result_description),
			metadata = COALESCE($9::jsonb, metadata),
			matched_by_heuristic = matched_by_heuristic OR $10::boolean,
			updated_at = $6::timestamptz
		WHERE id = $1 AND state = $2::text`
	res, err := tx.ExecContext(ctx, update, id, from, to, ev.ExternalReference, ev.Amount, now,
		ev.ResultCode, ev.ResultDescription, nullBytes(ev.Metadata), ev.Heuristic)
	if err != nil {
		return false, mapError(err, "transition intent "+id.String())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read transition result: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	audit := `
		INSERT INTO payments.intent_transitions (intent_id, from_state, to_state, source, result_code,
			result_description, reviewer_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.ExecContext(ctx, audit, id, from, to, ev.Source, ev.ResultCode, ev.ResultDescription,
		ev.ReviewerID, nullBytes(ev.Metadata), now); err != nil {
		return false, mapError(err, "record transition of intent "+id.String())
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transition: %w", err)
	}
	return true, nil
}

// FindPendingMatch looks for a pending intent the heuristic matcher can attach an event to.
// Intents already carrying a provider reference are excluded: the event's reference could not be bound to them.
func (r *Repository) FindPendingMatch(ctx context.Context, provider models.Provider, loanID uuid.UUID, amount decimal.Decimal, since time.Time) (*models.PaymentIntent, error) {
	return r.queryIntent(ctx, "find pending match for loan "+loanID.String(),
		`provider = $1 AND loan_id = $2 AND amount = $3 AND state = 'PENDING' AND created_at >= $4
		AND external_reference IS NULL ORDER BY created_at LIMIT 1`, provider, loanID, amount, since)
}

// ListPending lists pending intents of a provider created before the cutoff
func (r *Repository) ListPending(ctx context.Context, provider models.Provider, createdBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	return r.queryIntents(ctx, "list pending intents",
		`provider = $1 AND state = 'PENDING' AND created_at < $2 ORDER BY created_at LIMIT $3`,
		provider, createdBefore, limitOrAll(limit))
}

// ListUnallocated lists confirmed intents whose allocation never completed
func (r *Repository) ListUnallocated(ctx context.Context, confirmedBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	return r.queryIntents(ctx, "list unallocated intents",
		`state = 'CONFIRMED' AND allocation_status = 'PENDING' AND confirmed_at < $1 ORDER BY confirmed_at LIMIT $2`,
		confirmedBefore, limitOrAll(limit))
}

// SetAllocationStatus records how far allocation of a confirmed intent got
func (r *Repository) SetAllocationStatus(ctx context.Context, id uuid.UUID, status models.AllocationStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payments.payment_intents SET allocation_status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		id, status)
	if err != nil {
		return mapError(err, "set allocation status of intent "+id.String())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListTransitions returns the audit trail of an intent
func (r *Repository) ListTransitions(ctx context.Context, intentID uuid.UUID) ([]models.IntentTransition, error) {
	query := `
		SELECT id, intent_id, from_state, to_state, source, result_code, result_description, reviewer_id,
			metadata, created_at
		FROM payments.intent_transitions
		WHERE intent_id = $1
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, intentID)
	if err != nil {
		return nil, mapError(err, "list transitions")
	}
	defer rows.Close()

	var out []models.IntentTransition
	for rows.Next() {
		var t models.IntentTransition
		if err := rows.Scan(&t.ID, &t.IntentID, &t.FromState, &t.ToState, &t.Source, &t.ResultCode,
			&t.ResultDescription, &t.ReviewerID, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, mapError(err, "scan transition")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateLoan creates a loan and its schedule in one transaction
func (r *Repository) CreateLoan(ctx context.Context, loan *models.Loan, lines []*models.ScheduleLine) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO payments.loans (id, loan_number, borrower_id, currency, status, overpayment_credit, version,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at`
	if err := tx.QueryRowContext(ctx, query, loan.ID, loan.LoanNumber, loan.BorrowerID, loan.Currency,
		loan.Status, loan.OverpaymentCredit, loan.Version).Scan(&loan.CreatedAt, &loan.UpdatedAt); err != nil {
		return mapError(err, "create loan "+loan.LoanNumber)
	}

	lineQuery := `
		INSERT INTO payments.schedule_lines (id, loan_id, due_date, principal_due, interest_due, fees_due,
			penalty_due, principal_paid, interest_paid, fees_paid, penalty_paid, is_paid, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, CURRENT_TIMESTAMP)`
	for _, l := range lines {
		if _, err := tx.ExecContext(ctx, lineQuery, l.ID, loan.ID, l.DueDate, l.PrincipalDue, l.InterestDue,
			l.FeesDue, l.PenaltyDue, l.PrincipalPaid, l.InterestPaid, l.FeesPaid, l.PenaltyPaid, l.IsPaid); err != nil {
			return mapError(err, "create schedule line")
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit loan: %w", err)
	}
	return nil
}

const loanColumns = `id, loan_number, borrower_id, currency, status, overpayment_credit, version, created_at, updated_at`

func scanLoan(row scanner) (*models.Loan, error) {
	loan := &models.Loan{}
	err := row.Scan(&loan.ID, &loan.LoanNumber, &loan.BorrowerID, &loan.Currency, &loan.Status,
		&loan.OverpaymentCredit, &loan.Version, &loan.CreatedAt, &loan.UpdatedAt)
	return loan, err
}

// GetLoan retrieves a loan by id
func (r *Repository) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := scanLoan(r.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM payments.loans WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "find loan "+id.String())
	}
	return loan, nil
}

// FindLoanByNumber retrieves a loan by its human-facing number
func (r *Repository) FindLoanByNumber(ctx context.Context, number string) (*models.Loan, error) {
	loan, err := scanLoan(r.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM payments.loans WHERE loan_number = $1`, number))
	if err != nil {
		return nil, mapError(err, "find loan "+number)
	}
	return loan, nil
}

const lineColumns = `id, loan_id, due_date, principal_due, interest_due, fees_due, penalty_due,
	principal_paid, interest_paid, fees_paid, penalty_paid, is_paid, updated_at`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func queryLines(ctx context.Context, q querier, query string, args ...interface{}) ([]*models.ScheduleLine, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list schedule lines")
	}
	defer rows.Close()

	var out []*models.ScheduleLine
	for rows.Next() {
		l := &models.ScheduleLine{}
		if err := rows.Scan(&l.ID, &l.LoanID, &l.DueDate, &l.PrincipalDue, &l.InterestDue, &l.FeesDue,
			&l.PenaltyDue, &l.PrincipalPaid, &l.InterestPaid, &l.FeesPaid, &l.PenaltyPaid, &l.IsPaid,
			&l.UpdatedAt); err != nil {
			return nil, mapError(err, "scan schedule line")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListLines returns a loan's schedule ordered by due date
func (r *Repository) ListLines(ctx context.Context, loanID uuid.UUID) ([]*models.ScheduleLine, error) {
	if _, err := r.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return queryLines(ctx, r.db, `SELECT `+lineColumns+` FROM payments.schedule_lines WHERE loan_id = $1 ORDER BY due_date, id`, loanID)
}

const paymentColumns = `id, intent_id, loan_id, amount, currency, principal_amount, interest_amount, fees_amount,
	penalty_amount, overpayment_amount, is_reversed, reversed_at, reversed_by, created_at`

func queryPayment(ctx context.Context, q querier, what, where string, args ...interface{}) (*models.Payment, error) {
	p := &models.Payment{}
	var reversedAt sql.NullTime
	err := q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments.payments WHERE `+where, args...).
		Scan(&p.ID, &p.IntentID, &p.LoanID, &p.Amount, &p.Currency, &p.PrincipalAmount, &p.InterestAmount,
			&p.FeesAmount, &p.PenaltyAmount, &p.OverpaymentAmount, &p.IsReversed, &reversedAt, &p.ReversedBy,
			&p.CreatedAt)
	if err != nil {
		return nil, mapError(err, what)
	}
	p.ReversedAt = timePtr(reversedAt)

	rows, err := q.QueryContext(ctx, `
		SELECT payment_id, schedule_line_id, penalty_amount, fees_amount, interest_amount, principal_amount
		FROM payments.payment_allocations a
		JOIN payments.schedule_lines l ON l.id = a.schedule_line_id
		WHERE payment_id = $1
		ORDER BY l.due_date, l.id`, p.ID)
	if err != nil {
		return nil, mapError(err, "list allocations")
	}
	defer rows.Close()
	for rows.Next() {
		var a models.Allocation
		if err := rows.Scan(&a.PaymentID, &a.ScheduleLineID, &a.PenaltyAmount, &a.FeesAmount,
			&a.InterestAmount, &a.PrincipalAmount); err != nil {
			return nil, mapError(err, "scan allocation")
		}
		p.Allocations = append(p.Allocations, a)
	}
	return p, rows.Err()
}

// GetPayment retrieves a payment with its allocations
func (r *Repository) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return queryPayment(ctx, r.db, "find payment "+id.String(), `id = $1`, id)
}

// FindPaymentByIntent retrieves the payment created for an intent
func (r *Repository) FindPaymentByIntent(ctx context.Context, intentID uuid.UUID) (*models.Payment, error) {
	return queryPayment(ctx, r.db, "find payment for intent "+intentID.String(), `intent_id = $1`, intentID)
}

// WithinLoanTx locks the loan and its schedule lines and runs fn in one database transaction
func (r *Repository) WithinLoanTx(ctx context.Context, loanID uuid.UUID, fn func(tx LoanTx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin loan transaction: %w", err)
	}
	defer sqlTx.Rollback()

	loan, err := scanLoan(sqlTx.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM payments.loans WHERE id = $1 FOR UPDATE`, loanID))
	if err != nil {
		return mapError(err, "lock loan "+loanID.String())
	}
	lines, err := queryLines(ctx, sqlTx,
		`SELECT `+lineColumns+` FROM payments.schedule_lines WHERE loan_id = $1 ORDER BY due_date, id FOR UPDATE`, loanID)
	if err != nil {
		return err
	}

	if err := fn(&pgLoanTx{ctx: ctx, tx: sqlTx, loan: loan, lines: lines}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit loan transaction: %w", err)
	}
	return nil
}

type pgLoanTx struct {
	ctx   context.Context
	tx    *sql.Tx
	loan  *models.Loan
	lines []*models.ScheduleLine
}

func (t *pgLoanTx) Loan() *models.Loan { return t.loan }

func (t *pgLoanTx) Lines() []*models.ScheduleLine { return t.lines }

func (t *pgLoanTx) PaymentForIntent(intentID uuid.UUID) (*models.Payment, error) {
	p, err := queryPayment(t.ctx, t.tx, "find payment for intent "+intentID.String(), `intent_id = $1`, intentID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (t *pgLoanTx) LockPayment(id uuid.UUID) (*models.Payment, error) {
	return queryPayment(t.ctx, t.tx, "lock payment "+id.String(), `id = $1 AND loan_id = $2 FOR UPDATE`, id, t.loan.ID)
}

func (t *pgLoanTx) SaveLine(l *models.ScheduleLine) error {
	query := `
		UPDATE payments.schedule_lines
		SET principal_paid = $2, interest_paid = $3, fees_paid = $4, penalty_paid = $5, is_paid = $6,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`
	if _, err := t.tx.ExecContext(t.ctx, query, l.ID, l.PrincipalPaid, l.InterestPaid, l.FeesPaid, l.PenaltyPaid, l.IsPaid); err != nil {
		return mapError(err, "update schedule line "+l.ID.String())
	}
	return nil
}

func (t *pgLoanTx) SaveLoan(loan *models.Loan) error {
	query := `
		UPDATE payments.loans
		SET status = $2, overpayment_credit = $3, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING version, updated_at`
	if err := t.tx.QueryRowContext(t.ctx, query, loan.ID, loan.Status, loan.OverpaymentCredit).
		Scan(&loan.Version, &loan.UpdatedAt); err != nil {
		return mapError(err, "update loan "+loan.ID.String())
	}
	t.loan = loan
	return nil
}

func (t *pgLoanTx) InsertPayment(p *models.Payment) error {
	query := `
		INSERT INTO payments.payments (id, intent_id, loan_id, amount, currency, principal_amount, interest_amount,
			fees_amount, penalty_amount, overpayment_amount, is_reversed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11)`
	if _, err := t.tx.ExecContext(t.ctx, query, p.ID, p.IntentID, p.LoanID, p.Amount, p.Currency,
		p.PrincipalAmount, p.InterestAmount, p.FeesAmount, p.PenaltyAmount, p.OverpaymentAmount, p.CreatedAt); err != nil {
		return mapError(err, "create payment for intent "+p.IntentID.String())
	}

	allocQuery := `
		INSERT INTO payments.payment_allocations (payment_id, schedule_line_id, penalty_amount, fees_amount,
			interest_amount, principal_amount)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, a := range p.Allocations {
		if _, err := t.tx.ExecContext(t.ctx, allocQuery, p.ID, a.ScheduleLineID, a.PenaltyAmount, a.FeesAmount,
			a.InterestAmount, a.PrincipalAmount); err != nil {
			return mapError(err, "create allocation")
		}
	}
	return nil
}

func (t *pgLoanTx) InsertCredit(c *models.LoanCredit) error {
	query := `
		INSERT INTO payments.loan_credits (id, loan_id, payment_id, intent_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := t.tx.ExecContext(t.ctx, query, c.ID, c.LoanID, c.PaymentID, c.IntentID, c.Amount, c.CreatedAt); err != nil {
		return mapError(err, "create loan credit")
	}
	return nil
}

func (t *pgLoanTx) MarkReversed(p *models.Payment) error {
	query := `
		UPDATE payments.payments SET is_reversed = $2, reversed_at = $3, reversed_by = $4
		WHERE id = $1`
	if _, err := t.tx.ExecContext(t.ctx, query, p.ID, p.IsReversed, p.ReversedAt, p.ReversedBy); err != nil {
		return mapError(err, "reverse payment "+p.ID.String())
	}
	return nil
}

// AddDeadLetter parks an allocation failure; one open letter per intent
func (r *Repository) AddDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	query := `
		INSERT INTO payments.dead_letters (id, intent_id, loan_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (intent_id) WHERE resolved_at IS NULL DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, dl.ID, dl.IntentID, nullUUID(dl.LoanID), dl.Reason, dl.CreatedAt)
	if err != nil {
		return mapError(err, "create dead letter")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err := r.db.QueryRowContext(ctx,
			`SELECT id FROM payments.dead_letters WHERE intent_id = $1 AND resolved_at IS NULL`, dl.IntentID).Scan(&dl.ID)
		if err != nil {
			return mapError(err, "find open dead letter")
		}
	}
	return nil
}

const deadLetterColumns = `id, intent_id, loan_id, reason, created_at, resolved_at, resolved_by`

func scanDeadLetter(row scanner) (*models.DeadLetter, error) {
	dl := &models.DeadLetter{}
	var (
		loanID     uuid.NullUUID
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&dl.ID, &dl.IntentID, &loanID, &dl.Reason, &dl.CreatedAt, &resolvedAt, &dl.ResolvedBy); err != nil {
		return nil, err
	}
	dl.LoanID = uuidPtr(loanID)
	dl.ResolvedAt = timePtr(resolvedAt)
	return dl, nil
}

// GetDeadLetter retrieves a dead letter by id
func (r *Repository) GetDeadLetter(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error) {
	dl, err := scanDeadLetter(r.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM payments.dead_letters WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "find dead letter "+id.String())
	}
	return dl, nil
}

// ListDeadLetters lists dead letters oldest first
func (r *Repository) ListDeadLetters(ctx context.Context, openOnly bool, limit int) ([]*models.DeadLetter, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deadLetterColumns+` FROM payments.dead_letters
		WHERE NOT $1 OR resolved_at IS NULL ORDER BY created_at LIMIT $2`, openOnly, limitOrAll(limit))
	if err != nil {
		return nil, mapError(err, "list dead letters")
	}
	defer rows.Close()

	var out []*models.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, mapError(err, "scan dead letter")
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ResolveDeadLetter closes an open dead letter
func (r *Repository) ResolveDeadLetter(ctx context.Context, id uuid.UUID, by string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payments.dead_letters SET resolved_at = $2, resolved_by = $3 WHERE id = $1 AND resolved_at IS NULL`,
		id, at, by)
	if err != nil {
		return mapError(err, "resolve dead letter "+id.String())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("open dead letter %s: %w", id, ErrNotFound)
	}
	return nil
}

// ParkUnattributed stores an unmatched event; false means it was already parked
func (r *Repository) ParkUnattributed(ctx context.Context, ev *models.UnattributedEvent) (bool, error) {
	payer, err := r.cipher.Seal(ev.PayerAccountRef)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt payer reference: %w", err)
	}
	query := `
		INSERT INTO payments.unattributed_events (id, provider, external_reference, account_reference, amount,
			currency, payer_account_ref, reason, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider, external_reference) WHERE external_reference IS NOT NULL DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, ev.ID, ev.Provider, nullString(ev.ExternalReference),
		ev.AccountReference, ev.Amount, ev.Currency, payer, ev.Reason, nullBytes(ev.Payload), ev.CreatedAt)
	if err != nil {
		return false, mapError(err, "park unattributed event")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err := r.db.QueryRowContext(ctx,
			`SELECT id FROM payments.unattributed_events WHERE provider = $1 AND external_reference = $2`,
			ev.Provider, ev.ExternalReference).Scan(&ev.ID)
		if err != nil {
			return false, mapError(err, "find parked event")
		}
		return false, nil
	}
	return true, nil
}

const unattributedColumns = `id, provider, external_reference, account_reference, amount, currency,
	payer_account_ref, reason, payload, created_at, resolved_at, resolved_by, resolved_intent_id`

func (r *Repository) scanUnattributed(row scanner) (*models.UnattributedEvent, error) {
	ev := &models.UnattributedEvent{}
	var (
		external   sql.NullString
		payer      string
		resolvedAt sql.NullTime
		intentID   uuid.NullUUID
	)
	if err := row.Scan(&ev.ID, &ev.Provider, &external, &ev.AccountReference, &ev.Amount, &ev.Currency,
		&payer, &ev.Reason, &ev.Payload, &ev.CreatedAt, &resolvedAt, &ev.ResolvedBy, &intentID); err != nil {
		return nil, err
	}
	ev.ExternalReference = external.String
	ev.ResolvedAt = timePtr(resolvedAt)
	ev.ResolvedIntentID = uuidPtr(intentID)
	var err error
	if ev.PayerAccountRef, err = r.cipher.Open(payer); err != nil {
		return nil, fmt.Errorf("failed to decrypt payer reference of event %s: %w", ev.ID, err)
	}
	return ev, nil
}

// GetUnattributed retrieves a parked event by id
func (r *Repository) GetUnattributed(ctx context.Context, id uuid.UUID) (*models.UnattributedEvent, error) {
	ev, err := r.scanUnattributed(r.db.QueryRowContext(ctx,
		`SELECT `+unattributedColumns+` FROM payments.unattributed_events WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "find unattributed event "+id.String())
	}
	return ev, nil
}

// ListUnattributed lists parked events oldest first
func (r *Repository) ListUnattributed(ctx context.Context, openOnly bool, limit int) ([]*models.UnattributedEvent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+unattributedColumns+` FROM payments.unattributed_events
		WHERE NOT $1 OR resolved_at IS NULL ORDER BY created_at LIMIT $2`, openOnly, limitOrAll(limit))
	if err != nil {
		return nil, mapError(err, "list unattributed events")
	}
	defer rows.Close()

	var out []*models.UnattributedEvent
	for rows.Next() {
		ev, err := r.scanUnattributed(rows)
		if err != nil {
			return nil, mapError(err, "scan unattributed event")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ResolveUnattributed closes a parked event once an operator has assigned it
func (r *Repository) ResolveUnattributed(ctx context.Context, id uuid.UUID, by string, intentID uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments.unattributed_events SET resolved_at = $2, resolved_by = $3, resolved_intent_id = $4
		WHERE id = $1 AND resolved_at IS NULL`, id, at, by, intentID)
	if err != nil {
		return mapError(err, "resolve unattributed event "+id.String())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("open unattributed event %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReopenUnattributed releases a claim whose assignment could not be completed
func (r *Repository) ReopenUnattributed(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments.unattributed_events SET resolved_at = NULL, resolved_by = '', resolved_intent_id = NULL
		WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "reopen unattributed event "+id.String())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unattributed event %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReconciliationReport aggregates intents created inside the window
func (r *Repository) ReconciliationReport(ctx context.Context, from, to time.Time) (*models.ReconciliationReport, error) {
	report := &models.ReconciliationReport{From: from, To: to}

	rows, err := r.db.QueryContext(ctx, `
		SELECT provider,
			COUNT(*) FILTER (WHERE state = 'CONFIRMED'),
			COALESCE(SUM(CASE WHEN confirmed_amount > 0 THEN confirmed_amount ELSE amount END)
				FILTER (WHERE state = 'CONFIRMED'), 0),
			COUNT(*) FILTER (WHERE state = 'EXPIRED'),
			COUNT(*) FILTER (WHERE state = 'FAILED')
		FROM payments.payment_intents
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY provider
		ORDER BY provider`, from, to)
	if err != nil {
		return nil, mapError(err, "aggregate provider totals")
	}
	defer rows.Close()
	for rows.Next() {
		var pt models.ProviderTotals
		if err := rows.Scan(&pt.Provider, &pt.ConfirmedCount, &pt.ConfirmedAmount, &pt.ExpiredCount, &pt.FailedCount); err != nil {
			return nil, mapError(err, "scan provider totals")
		}
		report.Providers = append(report.Providers, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "aggregate provider totals")
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE late_confirmation),
			COUNT(*) FILTER (WHERE matched_by_heuristic),
			COUNT(*) FILTER (WHERE state = 'CONFIRMED' AND allocation_status = 'PENDING'),
			(SELECT COUNT(*) FROM payments.dead_letters WHERE resolved_at IS NULL),
			(SELECT COUNT(*) FROM payments.unattributed_events WHERE resolved_at IS NULL)
		FROM payments.payment_intents
		WHERE created_at >= $1 AND created_at < $2`, from, to).
		Scan(&report.LateConfirmations, &report.HeuristicMatches, &report.UnallocatedIntents,
			&report.OpenDeadLetters, &report.OpenUnattributed)
	if err != nil {
		return nil, mapError(err, "aggregate reconciliation counters")
	}
	return report, nil
}

// limitOrAll turns a non-positive limit into SQL's LIMIT ALL.
func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
