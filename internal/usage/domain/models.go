// Package domain contains the append-only usage ledger models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageLedgerEntry records one completed charge. ActionCostID and CostApplied
// snapshot the exact price version debited, so later price changes never
// alter historical totals. Rows are never updated or deleted.
type UsageLedgerEntry struct {
	ID           snowflake.ID             `gorm:"primaryKey" json:"id"`
	UserID       snowflake.ID             `gorm:"not null;index:idx_usage_ledger_user_month,priority:1" json:"user_id"`
	ActionType   catalogdomain.ActionType `gorm:"type:text;not null;index" json:"action_type"`
	ActionCostID snowflake.ID             `gorm:"not null" json:"action_cost_id"`
	CostApplied  decimal.Decimal          `gorm:"type:decimal(12,2);not null" json:"cost_applied"`
	Currency     string                   `gorm:"type:text;not null" json:"currency"`
	ResourceID   *string                  `gorm:"type:text" json:"resource_id,omitempty"`
	ResourceType *string                  `gorm:"type:text" json:"resource_type,omitempty"`
	BillingMonth string                   `gorm:"type:text;not null;index:idx_usage_ledger_user_month,priority:2" json:"billing_month"`
	Metadata     datatypes.JSONMap        `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt    time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageLedgerEntry) TableName() string { return "usage_ledger_entries" }
