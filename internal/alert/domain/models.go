// Package domain contains the budget alert records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// AlertType identifies which budget boundary an alert reports.
type AlertType string

const (
	AlertThreshold50    AlertType = "threshold_50"
	AlertThreshold80    AlertType = "threshold_80"
	AlertThreshold90    AlertType = "threshold_90"
	AlertBudgetExceeded AlertType = "budget_exceeded"
)

// DeliveryStatusPending marks an alert that has been recorded but not yet
// handed to a delivery channel. An external dispatcher owns the transition
// out of this state.
const DeliveryStatusPending = "pending"

// SentAlert is the dedup record for a fired budget alert. The unique index
// on (user_id, alert_type, billing_month) is what makes alert recording
// exactly-once under concurrent charges; writers insert with an
// on-conflict-do-nothing clause rather than check-then-insert.
type SentAlert struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	UserID           snowflake.ID    `gorm:"not null;uniqueIndex:idx_sent_alerts_dedup,priority:1" json:"user_id"`
	AlertType        AlertType       `gorm:"type:text;not null;uniqueIndex:idx_sent_alerts_dedup,priority:2" json:"alert_type"`
	ThresholdReached int             `gorm:"not null" json:"threshold_reached"`
	CurrentSpent     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"current_spent"`
	MonthlyBudget    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"monthly_budget"`
	DeliveryMethod   string          `gorm:"type:text;not null;default:'email'" json:"delivery_method"`
	DeliveryStatus   string          `gorm:"type:text;not null;default:'pending'" json:"delivery_status"`
	BillingMonth     string          `gorm:"type:text;not null;uniqueIndex:idx_sent_alerts_dedup,priority:3" json:"billing_month"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (SentAlert) TableName() string { return "sent_alerts" }
