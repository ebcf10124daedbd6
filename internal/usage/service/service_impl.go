package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	"github.com/formlane/meterbill/internal/clock"
	usagedomain "github.com/formlane/meterbill/internal/usage/domain"
	"github.com/formlane/meterbill/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const recentTransactionLimit = 10

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		clock: p.Clock,
	}
}

type statsRow struct {
	TotalTransactions int64
	TotalSpent        decimal.Decimal
}

type breakdownRow struct {
	ActionType   string
	Transactions int64
	TotalSpent   decimal.Decimal
	Currency     string
}

func (s *Service) GetMonthlyStats(ctx context.Context, userID, billingMonth string) (*usagedomain.MonthlyStats, error) {
	uid, err := snowflake.ParseString(strings.TrimSpace(userID))
	if err != nil {
		return nil, usagedomain.ErrInvalidUser
	}

	billingMonth = strings.TrimSpace(billingMonth)
	if billingMonth == "" {
		billingMonth = s.clock.Now().Format("2006-01")
	}
	if !usagedomain.ValidBillingMonth(billingMonth) {
		return nil, usagedomain.ErrInvalidBillingMonth
	}

	// Totals are summed by the storage engine over the decimal column.
	// Accumulating float64 in Go here would drift across many small charges.
	var totals statsRow
	err = s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total_transactions,
		        COALESCE(SUM(cost_applied), 0) AS total_spent
		 FROM usage_ledger_entries
		 WHERE user_id = ? AND billing_month = ?`,
		uid, billingMonth,
	).Scan(&totals).Error
	if err != nil {
		return nil, err
	}

	var breakdown []breakdownRow
	err = s.db.WithContext(ctx).Raw(
		`SELECT action_type,
		        COUNT(*) AS transactions,
		        COALESCE(SUM(cost_applied), 0) AS total_spent,
		        MAX(currency) AS currency
		 FROM usage_ledger_entries
		 WHERE user_id = ? AND billing_month = ?
		 GROUP BY action_type
		 ORDER BY total_spent DESC`,
		uid, billingMonth,
	).Scan(&breakdown).Error
	if err != nil {
		return nil, err
	}

	var recent []usagedomain.UsageLedgerEntry
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND billing_month = ?", uid, billingMonth).
		Order("id DESC").
		Limit(recentTransactionLimit).
		Find(&recent).Error
	if err != nil {
		return nil, err
	}

	stats := &usagedomain.MonthlyStats{
		BillingMonth:       billingMonth,
		TotalTransactions:  totals.TotalTransactions,
		TotalSpent:         totals.TotalSpent,
		ActionBreakdown:    make([]usagedomain.ActionStats, 0, len(breakdown)),
		RecentTransactions: recent,
	}
	for _, row := range breakdown {
		if stats.Currency == "" {
			stats.Currency = row.Currency
		}
		stats.ActionBreakdown = append(stats.ActionBreakdown, usagedomain.ActionStats{
			ActionType:   catalogdomain.ActionType(row.ActionType),
			Transactions: row.Transactions,
			TotalSpent:   row.TotalSpent,
		})
	}

	return stats, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListEntriesRequest) (usagedomain.ListEntriesResponse, error) {
	uid, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil {
		return usagedomain.ListEntriesResponse{}, usagedomain.ErrInvalidUser
	}

	size := req.PageSize
	if size <= 0 {
		size = 25
	}

	stmt := s.db.WithContext(ctx).Where("user_id = ?", uid)
	if month := strings.TrimSpace(req.BillingMonth); month != "" {
		if !usagedomain.ValidBillingMonth(month) {
			return usagedomain.ListEntriesResponse{}, usagedomain.ErrInvalidBillingMonth
		}
		stmt = stmt.Where("billing_month = ?", month)
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return usagedomain.ListEntriesResponse{}, err
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return usagedomain.ListEntriesResponse{}, err
		}
		stmt = stmt.Where("id < ?", cursorID)
	}

	var rows []*usagedomain.UsageLedgerEntry
	if err := stmt.Order("id DESC").Limit(size + 1).Find(&rows).Error; err != nil {
		return usagedomain.ListEntriesResponse{}, err
	}

	rows, pageInfo := pagination.BuildCursorPageInfo(rows, size, func(entry *usagedomain.UsageLedgerEntry) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: entry.ID.String()})
		return token
	})

	resp := usagedomain.ListEntriesResponse{
		PageInfo: *pageInfo,
		Entries:  make([]usagedomain.UsageLedgerEntry, 0, len(rows)),
	}
	for _, row := range rows {
		resp.Entries = append(resp.Entries, *row)
	}
	return resp, nil
}
