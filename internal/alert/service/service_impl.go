package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/formlane/meterbill/internal/alert/domain"
	obsmetrics "github.com/formlane/meterbill/internal/observability/metrics"
	usagedomain "github.com/formlane/meterbill/internal/usage/domain"
	"github.com/formlane/meterbill/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Obs   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	obs   *obsmetrics.Metrics
}

func NewService(p ServiceParam) alertdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("alert.service"),
		genID: p.GenID,
		obs:   p.Obs,
	}
}

// boundary pairs a spend percentage with the alert it produces.
type boundary struct {
	threshold int
	alertType alertdomain.AlertType
	enabled   func(alertdomain.BudgetSnapshot) bool
}

var boundaries = []boundary{
	{100, alertdomain.AlertBudgetExceeded, func(b alertdomain.BudgetSnapshot) bool { return b.AlertAt100 }},
	{90, alertdomain.AlertThreshold90, func(b alertdomain.BudgetSnapshot) bool { return b.AlertAt90 }},
	{80, alertdomain.AlertThreshold80, func(b alertdomain.BudgetSnapshot) bool { return b.AlertAt80 }},
	{50, alertdomain.AlertThreshold50, func(b alertdomain.BudgetSnapshot) bool { return b.AlertAt50 }},
}

func (s *Service) Evaluate(ctx context.Context, req alertdomain.EvaluateRequest) (alertdomain.AlertType, error) {
	if req.UserID == 0 {
		return "", alertdomain.ErrInvalidUser
	}
	if !usagedomain.ValidBillingMonth(req.BillingMonth) {
		return "", alertdomain.ErrInvalidBillingMonth
	}

	crossed := s.highestCrossed(req)
	if crossed == nil {
		return "", nil
	}

	record := alertdomain.SentAlert{
		ID:               s.genID.Generate(),
		UserID:           req.UserID,
		AlertType:        crossed.alertType,
		ThresholdReached: crossed.threshold,
		CurrentSpent:     req.Budget.CurrentSpent,
		MonthlyBudget:    req.Budget.MonthlyBudget,
		DeliveryMethod:   "email",
		DeliveryStatus:   alertdomain.DeliveryStatusPending,
		BillingMonth:     req.BillingMonth,
	}

	inserted, err := s.insertAlert(ctx, &record)
	if err != nil {
		return "", err
	}
	if !inserted {
		// Another charge for the same user already recorded this alert
		// for the month. Correct dedup, not a failure.
		s.log.Debug("alert already recorded",
			zap.String("user_id", req.UserID.String()),
			zap.String("alert_type", string(crossed.alertType)),
			zap.String("billing_month", req.BillingMonth),
		)
		return "", nil
	}

	s.obs.RecordAlert(ctx, string(crossed.alertType))
	s.log.Info("budget alert recorded",
		zap.String("user_id", req.UserID.String()),
		zap.String("alert_type", string(crossed.alertType)),
		zap.Int("threshold", crossed.threshold),
		zap.String("current_spent", record.CurrentSpent.StringFixed(2)),
		zap.String("billing_month", req.BillingMonth),
	)
	return crossed.alertType, nil
}

// highestCrossed returns the single highest enabled boundary with
// previous < threshold <= new, or nil. A charge that jumps several
// boundaries at once fires only the topmost one.
func (s *Service) highestCrossed(req alertdomain.EvaluateRequest) *boundary {
	for i := range boundaries {
		b := boundaries[i]
		if !b.enabled(req.Budget) {
			continue
		}
		t := decimal.NewFromInt(int64(b.threshold))
		if req.PreviousPercentage.LessThan(t) && req.NewPercentage.GreaterThanOrEqual(t) {
			return &b
		}
	}
	return nil
}

func (s *Service) insertAlert(ctx context.Context, record *alertdomain.SentAlert) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"}, {Name: "alert_type"}, {Name: "billing_month"},
			},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) ListPending(ctx context.Context, limit int) ([]alertdomain.SentAlert, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var alerts []alertdomain.SentAlert
	err := s.db.WithContext(ctx).
		Where("delivery_status = ?", alertdomain.DeliveryStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}
