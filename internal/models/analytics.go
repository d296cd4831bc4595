package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProviderTotals represents confirmed volume for one provider
type ProviderTotals struct {
	Provider        Provider        `json:"provider"`
	ConfirmedCount  int             `json:"confirmed_count"`
	ConfirmedAmount decimal.Decimal `json:"confirmed_amount"`
	ExpiredCount    int             `json:"expired_count"`
	FailedCount     int             `json:"failed_count"`
}

// ReconciliationReport represents what needs an operator's eye for a time window
type ReconciliationReport struct {
	From               time.Time        `json:"from"`
	To                 time.Time        `json:"to"`
	Providers          []ProviderTotals `json:"providers"`
	LateConfirmations  int              `json:"late_confirmations"`
	HeuristicMatches   int              `json:"heuristic_matches"`
	OpenDeadLetters    int              `json:"open_dead_letters"`
	OpenUnattributed   int              `json:"open_unattributed"`
	UnallocatedIntents int              `json:"unallocated_intents"`
}
