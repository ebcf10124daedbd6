// Package domain contains the per-user budget ledger models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// UserBudget is the monthly allowance ledger for one user. The row is
// mutated in place, always under an exclusive row lock held by the charge
// path. CycleMonth records which billing month the current spend belongs
// to; the rollover job resets spend when it falls behind the calendar.
type UserBudget struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	UserID        snowflake.ID    `gorm:"not null;uniqueIndex" json:"user_id"`
	MonthlyBudget decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"monthly_budget"`
	CurrentSpent  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"current_spent"`
	Currency      string          `gorm:"type:text;not null;default:'USD'" json:"currency"`
	IsSuspended   bool            `gorm:"not null;default:false" json:"is_suspended"`
	SuspendedAt   *time.Time      `json:"suspended_at,omitempty"`
	CycleMonth    string          `gorm:"type:text;not null;index" json:"cycle_month"`
	AlertAt50     bool            `gorm:"not null;default:true" json:"alert_at_50"`
	AlertAt80     bool            `gorm:"not null;default:true" json:"alert_at_80"`
	AlertAt90     bool            `gorm:"not null;default:true" json:"alert_at_90"`
	AlertAt100    bool            `gorm:"not null;default:true" json:"alert_at_100"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (UserBudget) TableName() string { return "user_budgets" }

// Remaining returns the unspent allowance. Can be negative only if the
// stored spend somehow exceeds the budget.
func (b *UserBudget) Remaining() decimal.Decimal {
	return b.MonthlyBudget.Sub(b.CurrentSpent)
}

// PercentUsed returns spend as a percentage of the monthly budget using
// decimal division. Zero when no budget is configured.
func (b *UserBudget) PercentUsed() decimal.Decimal {
	if !b.MonthlyBudget.IsPositive() {
		return decimal.Zero
	}
	return b.CurrentSpent.Div(b.MonthlyBudget).Mul(decimal.NewFromInt(100))
}

// PercentAfter returns the percentage the budget would sit at if cost were
// debited on top of the current spend.
func (b *UserBudget) PercentAfter(cost decimal.Decimal) decimal.Decimal {
	if !b.MonthlyBudget.IsPositive() {
		return decimal.Zero
	}
	return b.CurrentSpent.Add(cost).Div(b.MonthlyBudget).Mul(decimal.NewFromInt(100))
}
