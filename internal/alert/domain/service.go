package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// BudgetSnapshot carries the post-charge state of a user budget. Alerts must
// record what the ledger looked like after the crossing charge, never the
// pre-charge values.
type BudgetSnapshot struct {
	MonthlyBudget decimal.Decimal
	CurrentSpent  decimal.Decimal
	AlertAt50     bool
	AlertAt80     bool
	AlertAt90     bool
	AlertAt100    bool
}

// EvaluateRequest describes one completed charge for threshold evaluation.
// Percentages are decimal so that crossing detection never depends on float
// rounding accumulated over many charges.
type EvaluateRequest struct {
	UserID             snowflake.ID
	PreviousPercentage decimal.Decimal
	NewPercentage      decimal.Decimal
	Budget             BudgetSnapshot
	BillingMonth       string
}

type Service interface {
	// Evaluate records at most one alert for the highest enabled threshold
	// newly crossed by the charge. Returns the alert type that fired, or
	// empty when no boundary was crossed or another writer already recorded
	// the same alert for this billing month.
	Evaluate(ctx context.Context, req EvaluateRequest) (AlertType, error)
	// ListPending returns recorded alerts awaiting delivery, oldest first.
	ListPending(ctx context.Context, limit int) ([]SentAlert, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidBillingMonth = errors.New("invalid_billing_month")
)
