package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/formlane/meterbill/internal/alert/domain"
	budgetdomain "github.com/formlane/meterbill/internal/budget/domain"
	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	"github.com/formlane/meterbill/internal/clock"
	"github.com/formlane/meterbill/internal/config"
	obsmetrics "github.com/formlane/meterbill/internal/observability/metrics"
	usagedomain "github.com/formlane/meterbill/internal/usage/domain"
	"github.com/formlane/meterbill/pkg/db"
	"github.com/formlane/meterbill/pkg/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Policy  *config.BudgetPolicyHolder
	Catalog catalogdomain.Service
	Alerts  alertdomain.Service
	Obs     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.BudgetPolicyHolder
	catalog    catalogdomain.Service
	alerts     alertdomain.Service
	budgetrepo repository.Repository[budgetdomain.UserBudget]
	obs        *obsmetrics.Metrics
}

func NewService(p ServiceParam) budgetdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("budget.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		catalog:    p.Catalog,
		alerts:     p.Alerts,
		budgetrepo: repository.ProvideStore[budgetdomain.UserBudget](p.DB),
		obs:        p.Obs,
	}
}

func (s *Service) parseUserID(userID string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(userID))
	if err != nil || id == 0 {
		return 0, budgetdomain.ErrInvalidUser
	}
	return id, nil
}

func (s *Service) billingMonth() string {
	return s.clock.Now().UTC().Format("2006-01")
}

// CheckAvailability is the lock-free preview. It reads the budget row and
// the cached active cost, so the answer may lag a concurrent charge; the
// authoritative decision is made again under the row lock in Charge.
func (s *Service) CheckAvailability(ctx context.Context, userID string, actionType catalogdomain.ActionType) (*budgetdomain.CheckResult, error) {
	uid, err := s.parseUserID(userID)
	if err != nil {
		return nil, err
	}
	if !actionType.Valid() {
		return nil, catalogdomain.ErrInvalidActionType
	}

	budget, err := s.budgetrepo.FindOne(ctx, &budgetdomain.UserBudget{UserID: uid})
	if err != nil {
		return nil, err
	}
	if budget == nil {
		result := denied(budgetdomain.DenialBudgetNotConfigured, "no budget configured for this user")
		s.obs.RecordAvailabilityCheck(ctx, string(actionType), false)
		return result, nil
	}

	cost, err := s.catalog.GetActiveCost(ctx, actionType)
	if err != nil {
		if errors.Is(err, catalogdomain.ErrCostNotFound) {
			result := denied(budgetdomain.DenialActionNotPriced, fmt.Sprintf("no active price for action %s", actionType))
			result.RemainingBudget = budget.Remaining()
			result.PercentageUsed = budget.PercentUsed()
			s.obs.RecordAvailabilityCheck(ctx, string(actionType), false)
			return result, nil
		}
		return nil, err
	}

	result := &budgetdomain.CheckResult{
		CostToApply:     cost.FinalCost,
		RemainingBudget: budget.Remaining(),
		PercentageUsed:  budget.PercentUsed(),
	}

	switch {
	case budget.IsSuspended:
		result.Reason = budgetdomain.DenialBudgetExhausted
		result.Message = "budget exhausted for the current cycle"
	case budget.Remaining().LessThan(cost.FinalCost):
		shortfall := cost.FinalCost.Sub(budget.Remaining())
		result.Reason = budgetdomain.DenialInsufficientFunds
		result.Message = fmt.Sprintf(
			"insufficient funds: action costs %s but only %s remains (short %s)",
			cost.FinalCost.StringFixed(2), budget.Remaining().StringFixed(2), shortfall.StringFixed(2),
		)
	default:
		result.Allowed = true
		result.WillTriggerAlert = lowestNewlyCrossed(budget, cost.FinalCost)
	}

	s.obs.RecordAvailabilityCheck(ctx, string(actionType), result.Allowed)
	return result, nil
}

func denied(reason budgetdomain.DenialReason, message string) *budgetdomain.CheckResult {
	return &budgetdomain.CheckResult{
		Allowed: false,
		Reason:  reason,
		Message: message,
	}
}

// lowestNewlyCrossed returns the first enabled threshold, ascending, that
// the hypothetical debit would cross. Advisory only; the charge path does
// the authoritative high-to-low detection after commit.
func lowestNewlyCrossed(budget *budgetdomain.UserBudget, cost decimal.Decimal) int {
	before := budget.PercentUsed()
	after := budget.PercentAfter(cost)
	checks := []struct {
		threshold int
		enabled   bool
	}{
		{50, budget.AlertAt50},
		{80, budget.AlertAt80},
		{90, budget.AlertAt90},
		{100, budget.AlertAt100},
	}
	for _, c := range checks {
		if !c.enabled {
			continue
		}
		t := decimal.NewFromInt(int64(c.threshold))
		if before.LessThan(t) && after.GreaterThanOrEqual(t) {
			return c.threshold
		}
	}
	return 0
}

// Charge atomically debits the active price of the action from the user's
// budget. The budget row is read under an exclusive lock, every rule is
// re-validated inside the lock, and the ledger entry is written in the same
// unit of work. Alerts run after commit so the lock window stays short.
func (s *Service) Charge(ctx context.Context, req budgetdomain.ChargeRequest) (*budgetdomain.ChargeResult, error) {
	uid, err := s.parseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	if !req.ActionType.Valid() {
		return nil, catalogdomain.ErrInvalidActionType
	}

	start := s.clock.Now()
	billingMonth := s.billingMonth()

	var (
		result     budgetdomain.ChargeResult
		prevPct    decimal.Decimal
		newPct     decimal.Decimal
		snapshot   alertdomain.BudgetSnapshot
		chargedRow budgetdomain.UserBudget
	)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		budget, err := s.lockBudgetRow(ctx, tx, uid)
		if err != nil {
			return err
		}
		if budget == nil {
			result = deniedCharge(budgetdomain.DenialBudgetNotConfigured, "no budget configured for this user")
			return nil
		}
		if budget.IsSuspended {
			result = deniedCharge(budgetdomain.DenialBudgetExhausted, "budget exhausted for the current cycle")
			result.NewCurrentSpent = budget.CurrentSpent
			return nil
		}

		// The price is re-read from storage inside the lock. The cached
		// value may be stale and the amount debited must be the amount
		// recorded.
		var cost catalogdomain.ActionCost
		err = tx.Where("action_type = ? AND is_active = ?", req.ActionType, true).
			First(&cost).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = deniedCharge(budgetdomain.DenialActionNotPriced, fmt.Sprintf("no active price for action %s", req.ActionType))
			result.NewCurrentSpent = budget.CurrentSpent
			return nil
		}
		if err != nil {
			return err
		}

		remaining := budget.Remaining()
		if remaining.LessThan(cost.FinalCost) {
			shortfall := cost.FinalCost.Sub(remaining)
			result = deniedCharge(budgetdomain.DenialInsufficientFunds, fmt.Sprintf(
				"insufficient funds: action costs %s but only %s remains (short %s)",
				cost.FinalCost.StringFixed(2), remaining.StringFixed(2), shortfall.StringFixed(2),
			))
			result.NewCurrentSpent = budget.CurrentSpent
			return nil
		}

		prevPct = budget.PercentUsed()
		newSpent := budget.CurrentSpent.Add(cost.FinalCost)
		suspended := newSpent.GreaterThanOrEqual(budget.MonthlyBudget)
		now := s.clock.Now()

		updates := map[string]any{
			"current_spent": newSpent,
			"updated_at":    now,
		}
		if suspended && !budget.IsSuspended {
			updates["is_suspended"] = true
			updates["suspended_at"] = now
		}
		if err := tx.Model(&budgetdomain.UserBudget{}).
			Where("id = ?", budget.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		entry := usagedomain.UsageLedgerEntry{
			ID:           s.genID.Generate(),
			UserID:       uid,
			ActionType:   req.ActionType,
			ActionCostID: cost.ID,
			CostApplied:  cost.FinalCost,
			Currency:     cost.Currency,
			ResourceID:   req.ResourceID,
			ResourceType: req.ResourceType,
			BillingMonth: billingMonth,
			Metadata:     datatypes.JSONMap(req.Metadata),
			CreatedAt:    now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		// The value written by the update above is authoritative; no
		// re-read after the mutation.
		chargedRow = *budget
		chargedRow.CurrentSpent = newSpent
		chargedRow.IsSuspended = suspended
		newPct = chargedRow.PercentUsed()
		snapshot = alertdomain.BudgetSnapshot{
			MonthlyBudget: budget.MonthlyBudget,
			CurrentSpent:  newSpent,
			AlertAt50:     budget.AlertAt50,
			AlertAt80:     budget.AlertAt80,
			AlertAt90:     budget.AlertAt90,
			AlertAt100:    budget.AlertAt100,
		}

		result = budgetdomain.ChargeResult{
			Success:         true,
			NewCurrentSpent: newSpent,
			CostApplied:     cost.FinalCost,
			BudgetExceeded:  suspended,
		}
		return nil
	})
	if err != nil {
		s.obs.RecordCharge(ctx, string(req.ActionType), "error", s.clock.Now().Sub(start))
		if isLockContention(err) {
			return nil, fmt.Errorf("%w: %v", budgetdomain.ErrConcurrencyAbort, err)
		}
		return nil, err
	}

	if !result.Success {
		s.obs.RecordCharge(ctx, string(req.ActionType), string(result.Reason), s.clock.Now().Sub(start))
		return &result, nil
	}

	// Alert persistence is deliberately outside the unit of work: its I/O
	// must never extend the time the budget row is held, and the unique
	// constraint already makes it safe under concurrency. A failure here
	// loses at most a notification, never money.
	alertType, alertErr := s.alerts.Evaluate(ctx, alertdomain.EvaluateRequest{
		UserID:             uid,
		PreviousPercentage: prevPct,
		NewPercentage:      newPct,
		Budget:             snapshot,
		BillingMonth:       billingMonth,
	})
	if alertErr != nil {
		s.log.Warn("alert evaluation failed after charge",
			zap.String("user_id", uid.String()),
			zap.String("billing_month", billingMonth),
			zap.Error(alertErr),
		)
	}
	result.AlertTriggered = string(alertType)

	s.obs.RecordCharge(ctx, string(req.ActionType), "success", s.clock.Now().Sub(start))
	s.log.Info("budget charged",
		zap.String("user_id", uid.String()),
		zap.String("action_type", string(req.ActionType)),
		zap.String("cost_applied", result.CostApplied.StringFixed(2)),
		zap.String("current_spent", result.NewCurrentSpent.StringFixed(2)),
		zap.Bool("budget_exceeded", result.BudgetExceeded),
	)
	return &result, nil
}

func deniedCharge(reason budgetdomain.DenialReason, message string) budgetdomain.ChargeResult {
	return budgetdomain.ChargeResult{
		Success: false,
		Reason:  reason,
		Message: message,
	}
}

// lockBudgetRow reads the user's budget under FOR UPDATE so concurrent
// charges for the same user serialize. SQLite has no row locks; there the
// single-writer file lock provides the same serialization.
func (s *Service) lockBudgetRow(ctx context.Context, tx *gorm.DB, uid snowflake.ID) (*budgetdomain.UserBudget, error) {
	query := `SELECT id, user_id, monthly_budget, current_spent, currency,
	        is_suspended, suspended_at, cycle_month,
	        alert_at50, alert_at80, alert_at90, alert_at100,
	        created_at, updated_at
	 FROM user_budgets
	 WHERE user_id = ?`
	if !strings.EqualFold(s.db.Dialector.Name(), "sqlite") {
		query += " FOR UPDATE"
	}

	var budget budgetdomain.UserBudget
	if err := tx.WithContext(ctx).Raw(query, uid).Scan(&budget).Error; err != nil {
		return nil, err
	}
	if budget.ID == 0 {
		return nil, nil
	}
	return &budget, nil
}

func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock wait timeout") ||
		strings.Contains(msg, "could not obtain lock") ||
		strings.Contains(msg, "database is locked")
}

// CreateDefaultBudget provisions the budget row for a new user. A zero or
// negative initialBudget falls back to the configured default allowance.
func (s *Service) CreateDefaultBudget(ctx context.Context, userID string, initialBudget decimal.Decimal) (*budgetdomain.UserBudget, error) {
	uid, err := s.parseUserID(userID)
	if err != nil {
		return nil, err
	}

	policy := s.policy.Get()
	amount := initialBudget
	if !amount.IsPositive() {
		amount = policy.DefaultBudgetDecimal()
	}

	budget := budgetdomain.UserBudget{
		ID:            s.genID.Generate(),
		UserID:        uid,
		MonthlyBudget: amount,
		CurrentSpent:  decimal.Zero,
		Currency:      policy.Currency,
		CycleMonth:    s.billingMonth(),
		AlertAt50:     policy.ThresholdEnabled(50),
		AlertAt80:     policy.ThresholdEnabled(80),
		AlertAt90:     policy.ThresholdEnabled(90),
		AlertAt100:    policy.ThresholdEnabled(100),
	}

	if err := s.budgetrepo.Create(ctx, &budget); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, budgetdomain.ErrBudgetExists
		}
		return nil, err
	}

	s.log.Info("default budget created",
		zap.String("user_id", uid.String()),
		zap.String("monthly_budget", budget.MonthlyBudget.StringFixed(2)),
		zap.String("cycle_month", budget.CycleMonth),
	)
	return &budget, nil
}

func (s *Service) GetBudget(ctx context.Context, userID string) (*budgetdomain.BudgetSummary, error) {
	uid, err := s.parseUserID(userID)
	if err != nil {
		return nil, err
	}

	budget, err := s.budgetrepo.FindOne(ctx, &budgetdomain.UserBudget{UserID: uid})
	if err != nil {
		return nil, err
	}
	if budget == nil {
		return nil, budgetdomain.ErrBudgetNotFound
	}
	return summarize(budget), nil
}

func summarize(budget *budgetdomain.UserBudget) *budgetdomain.BudgetSummary {
	return &budgetdomain.BudgetSummary{
		UserBudget:      *budget,
		RemainingBudget: budget.Remaining(),
		PercentageUsed:  budget.PercentUsed(),
	}
}

func (s *Service) UpdateBudget(ctx context.Context, req budgetdomain.UpdateBudgetRequest) (*budgetdomain.UserBudget, error) {
	uid, err := s.parseUserID(req.UserID)
	if err != nil {
		return nil, err
	}

	budget, err := s.budgetrepo.FindOne(ctx, &budgetdomain.UserBudget{UserID: uid})
	if err != nil {
		return nil, err
	}
	if budget == nil {
		return nil, budgetdomain.ErrBudgetNotFound
	}

	// Column map instead of a struct update so explicit false values for
	// the alert flags are not treated as zero values and skipped.
	updates := map[string]any{"updated_at": s.clock.Now()}
	if req.MonthlyBudget != nil {
		if !req.MonthlyBudget.IsPositive() {
			return nil, budgetdomain.ErrInvalidBudget
		}
		budget.MonthlyBudget = *req.MonthlyBudget
		updates["monthly_budget"] = *req.MonthlyBudget
	}
	if req.Currency != nil {
		currency := strings.ToUpper(strings.TrimSpace(*req.Currency))
		if currency == "" {
			return nil, budgetdomain.ErrInvalidBudget
		}
		budget.Currency = currency
		updates["currency"] = currency
	}
	if req.AlertAt50 != nil {
		budget.AlertAt50 = *req.AlertAt50
		updates["alert_at50"] = *req.AlertAt50
	}
	if req.AlertAt80 != nil {
		budget.AlertAt80 = *req.AlertAt80
		updates["alert_at80"] = *req.AlertAt80
	}
	if req.AlertAt90 != nil {
		budget.AlertAt90 = *req.AlertAt90
		updates["alert_at90"] = *req.AlertAt90
	}
	if req.AlertAt100 != nil {
		budget.AlertAt100 = *req.AlertAt100
		updates["alert_at100"] = *req.AlertAt100
	}

	if err := s.budgetrepo.Update(ctx, budget.ID.String(), updates); err != nil {
		return nil, err
	}
	return budget, nil
}

func (s *Service) ListSummaries(ctx context.Context) ([]budgetdomain.BudgetSummary, error) {
	rows, err := s.budgetrepo.Find(ctx, &budgetdomain.UserBudget{})
	if err != nil {
		return nil, err
	}
	summaries := make([]budgetdomain.BudgetSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, *summarize(row))
	}
	return summaries, nil
}

// ResetExpiredCycles rolls every budget whose cycle month fell behind the
// calendar into the current month. A single guarded UPDATE keeps the job
// idempotent and safe to run from multiple replicas.
func (s *Service) ResetExpiredCycles(ctx context.Context) (int64, error) {
	month := s.billingMonth()
	now := s.clock.Now()

	result := s.db.WithContext(ctx).Model(&budgetdomain.UserBudget{}).
		Where("cycle_month < ?", month).
		Updates(map[string]any{
			"current_spent": decimal.Zero,
			"is_suspended":  false,
			"suspended_at":  nil,
			"cycle_month":   month,
			"updated_at":    now,
		})
	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		s.obs.RecordRolloverResets(ctx, result.RowsAffected)
		s.log.Info("billing cycles rolled over",
			zap.String("cycle_month", month),
			zap.Int64("budgets_reset", result.RowsAffected),
		)
	}
	return result.RowsAffected, nil
}
