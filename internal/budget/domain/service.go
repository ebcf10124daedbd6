package domain

import (
	"context"
	"errors"

	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	"github.com/shopspring/decimal"
)

// DenialReason classifies why a check or charge was refused. Denials are
// normal business outcomes, returned in results rather than as errors.
type DenialReason string

const (
	DenialBudgetNotConfigured DenialReason = "budget_not_configured"
	DenialActionNotPriced     DenialReason = "action_not_priced"
	DenialBudgetExhausted     DenialReason = "budget_exhausted"
	DenialInsufficientFunds   DenialReason = "insufficient_funds"
)

// CheckResult is the lock-free preview of whether a charge would succeed.
// WillTriggerAlert names the lowest threshold the hypothetical charge would
// newly cross, zero when none; it is advisory only.
type CheckResult struct {
	Allowed          bool            `json:"allowed"`
	Reason           DenialReason    `json:"reason,omitempty"`
	Message          string          `json:"message,omitempty"`
	CostToApply      decimal.Decimal `json:"cost_to_apply"`
	RemainingBudget  decimal.Decimal `json:"remaining_budget"`
	PercentageUsed   decimal.Decimal `json:"percentage_used"`
	WillTriggerAlert int             `json:"will_trigger_alert,omitempty"`
}

// ChargeRequest describes one debit attempt.
type ChargeRequest struct {
	UserID       string                   `json:"user_id"`
	ActionType   catalogdomain.ActionType `json:"action_type"`
	ResourceID   *string                  `json:"resource_id,omitempty"`
	ResourceType *string                  `json:"resource_type,omitempty"`
	Metadata     map[string]any           `json:"metadata,omitempty"`
}

// ChargeResult reports the outcome of a charge. Denials come back with
// Success=false plus Reason and Message; only infrastructure failures
// surface as errors.
type ChargeResult struct {
	Success         bool            `json:"success"`
	Reason          DenialReason    `json:"reason,omitempty"`
	Message         string          `json:"message,omitempty"`
	NewCurrentSpent decimal.Decimal `json:"new_current_spent"`
	CostApplied     decimal.Decimal `json:"cost_applied"`
	BudgetExceeded  bool            `json:"budget_exceeded"`
	AlertTriggered  string          `json:"alert_triggered,omitempty"`
}

// UpdateBudgetRequest adjusts a user's allowance or alert preferences.
// Unset fields carry over.
type UpdateBudgetRequest struct {
	UserID        string           `json:"user_id"`
	MonthlyBudget *decimal.Decimal `json:"monthly_budget"`
	Currency      *string          `json:"currency"`
	AlertAt50     *bool            `json:"alert_at_50"`
	AlertAt80     *bool            `json:"alert_at_80"`
	AlertAt90     *bool            `json:"alert_at_90"`
	AlertAt100    *bool            `json:"alert_at_100"`
}

// BudgetSummary is the reporting view of one user budget.
type BudgetSummary struct {
	UserBudget
	RemainingBudget decimal.Decimal `json:"remaining_budget"`
	PercentageUsed  decimal.Decimal `json:"percentage_used"`
}

type Service interface {
	// CheckAvailability previews whether the user could afford actionType
	// right now. Never mutates state and takes no locks.
	CheckAvailability(ctx context.Context, userID string, actionType catalogdomain.ActionType) (*CheckResult, error)
	// Charge atomically debits the active cost of the action from the
	// user's budget and appends a usage ledger entry. All-or-nothing.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// CreateDefaultBudget provisions a budget row for a new user. A zero
	// initialBudget falls back to the configured default allowance.
	CreateDefaultBudget(ctx context.Context, userID string, initialBudget decimal.Decimal) (*UserBudget, error)
	GetBudget(ctx context.Context, userID string) (*BudgetSummary, error)
	UpdateBudget(ctx context.Context, req UpdateBudgetRequest) (*UserBudget, error)
	// ListSummaries returns every user budget with usage percentages, for
	// administrative overview.
	ListSummaries(ctx context.Context) ([]BudgetSummary, error)
	// ResetExpiredCycles rolls every budget whose cycle month is behind the
	// current calendar month into the new cycle: spend back to zero,
	// suspension lifted. Returns the number of budgets reset.
	ResetExpiredCycles(ctx context.Context) (int64, error)
}

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrBudgetNotFound   = errors.New("budget_not_found")
	ErrBudgetExists     = errors.New("budget_already_exists")
	ErrInvalidBudget    = errors.New("invalid_budget")
	ErrConcurrencyAbort = errors.New("concurrency_abort")
)
