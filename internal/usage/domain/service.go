package domain

import (
	"context"
	"errors"
	"time"

	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	"github.com/formlane/meterbill/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

// ActionStats aggregates spend for one action type within a billing month.
type ActionStats struct {
	ActionType   catalogdomain.ActionType `json:"action_type"`
	Transactions int64                    `json:"transactions"`
	TotalSpent   decimal.Decimal          `json:"total_spent"`
}

// MonthlyStats summarizes a user's ledger for one billing month. TotalSpent
// is a storage-side decimal sum over the recorded snapshots.
type MonthlyStats struct {
	BillingMonth       string             `json:"billing_month"`
	TotalTransactions  int64              `json:"total_transactions"`
	TotalSpent         decimal.Decimal    `json:"total_spent"`
	Currency           string             `json:"currency"`
	ActionBreakdown    []ActionStats      `json:"action_breakdown"`
	RecentTransactions []UsageLedgerEntry `json:"recent_transactions"`
}

type ListEntriesRequest struct {
	UserID       string `json:"user_id"`
	BillingMonth string `json:"billing_month"`
	pagination.Pagination
}

type ListEntriesResponse struct {
	pagination.PageInfo
	Entries []UsageLedgerEntry `json:"entries"`
}

type Service interface {
	GetMonthlyStats(ctx context.Context, userID, billingMonth string) (*MonthlyStats, error)
	List(ctx context.Context, req ListEntriesRequest) (ListEntriesResponse, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidBillingMonth = errors.New("invalid_billing_month")
)

// ValidBillingMonth reports whether the value is a YYYY-MM month key.
func ValidBillingMonth(billingMonth string) bool {
	_, err := time.Parse("2006-01", billingMonth)
	return err == nil
}
