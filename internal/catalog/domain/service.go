package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// UpdateCostRequest publishes a new price version for the action type owned
// by the referenced cost row. Unset fields carry over from the current
// version.
type UpdateCostRequest struct {
	CostID   string           `json:"cost_id"`
	BaseCost *decimal.Decimal `json:"base_cost"`
	Markup   *decimal.Decimal `json:"markup"`
	Currency *string          `json:"currency"`
	Active   *bool            `json:"active"`
}

type Service interface {
	// GetActiveCost returns the single active price for the action type,
	// served from a bounded-TTL cache.
	GetActiveCost(ctx context.Context, actionType ActionType) (*ActionCost, error)
	// GetActiveCostUncached reads the active price directly from storage,
	// optionally inside the caller's transaction. Charge paths use this so
	// the amount debited never depends on cache staleness.
	GetActiveCostUncached(ctx context.Context, actionType ActionType) (*ActionCost, error)
	List(ctx context.Context) ([]ActionCost, error)
	UpdateCost(ctx context.Context, req UpdateCostRequest) (*ActionCost, error)
	// Invalidate drops every cached price. Must be called after any
	// administrative price change.
	Invalidate()
}

var (
	ErrInvalidActionType = errors.New("invalid_action_type")
	ErrCostNotFound      = errors.New("action_cost_not_found")
	ErrInvalidCost       = errors.New("invalid_action_cost")
)
