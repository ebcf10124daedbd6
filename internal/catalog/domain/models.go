// Package domain contains the versioned price catalog models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// ActionType enumerates the chargeable operation categories.
type ActionType string

const (
	ActionCreateIntegration ActionType = "create_integration"
	ActionCreateForm        ActionType = "create_form"
	ActionSendEmail         ActionType = "send_email"
	ActionChatConversation  ActionType = "chat_conversation"
)

// KnownActionTypes lists every chargeable action type.
func KnownActionTypes() []ActionType {
	return []ActionType{
		ActionCreateIntegration,
		ActionCreateForm,
		ActionSendEmail,
		ActionChatConversation,
	}
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreateIntegration, ActionCreateForm, ActionSendEmail, ActionChatConversation:
		return true
	default:
		return false
	}
}

// ActionCost is one published price version for an action type. Rows are
// never mutated once referenced by the usage ledger; price changes deactivate
// the current version and insert a new one.
type ActionCost struct {
	ID         snowflake.ID    `gorm:"primaryKey" json:"id"`
	ActionType ActionType      `gorm:"type:text;not null;index" json:"action_type"`
	BaseCost   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"base_cost"`
	Markup     decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"markup"`
	FinalCost  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"final_cost"`
	Currency   string          `gorm:"type:text;not null;default:'USD'" json:"currency"`
	IsActive   bool            `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ActionCost) TableName() string { return "action_costs" }
