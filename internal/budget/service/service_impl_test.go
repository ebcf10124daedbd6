package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	alertdomain "github.com/formlane/meterbill/internal/alert/domain"
	alertservice "github.com/formlane/meterbill/internal/alert/service"
	budgetdomain "github.com/formlane/meterbill/internal/budget/domain"
	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	catalogservice "github.com/formlane/meterbill/internal/catalog/service"
	"github.com/formlane/meterbill/internal/clock"
	"github.com/formlane/meterbill/internal/config"
	usagedomain "github.com/formlane/meterbill/internal/usage/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type budgetFixture struct {
	svc    budgetdomain.Service
	db     *gorm.DB
	clock  *clock.FakeClock
	node   *snowflake.Node
	userID snowflake.ID
}

func setupBudgetService(t *testing.T) *budgetFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	err = db.AutoMigrate(
		&catalogdomain.ActionCost{},
		&budgetdomain.UserBudget{},
		&usagedomain.UsageLedgerEntry{},
		&alertdomain.SentAlert{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	fakeClock := clock.NewFakeClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	policy := config.NewStaticBudgetPolicyHolder(config.DefaultBudgetPolicy())
	log := zap.NewNop()

	catalogSvc := catalogservice.NewService(catalogservice.ServiceParam{
		DB:     db,
		Log:    log,
		GenID:  node,
		Policy: policy,
	})
	alertSvc := alertservice.NewService(alertservice.ServiceParam{
		DB:    db,
		Log:   log,
		GenID: node,
	})
	svc := NewService(ServiceParam{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   fakeClock,
		Policy:  policy,
		Catalog: catalogSvc,
		Alerts:  alertSvc,
	})

	return &budgetFixture{
		svc:    svc,
		db:     db,
		clock:  fakeClock,
		node:   node,
		userID: node.Generate(),
	}
}

func (f *budgetFixture) seedBudget(t *testing.T, monthlyBudget, currentSpent string) {
	t.Helper()
	budget := budgetdomain.UserBudget{
		ID:            f.node.Generate(),
		UserID:        f.userID,
		MonthlyBudget: decimal.RequireFromString(monthlyBudget),
		CurrentSpent:  decimal.RequireFromString(currentSpent),
		Currency:      "USD",
		CycleMonth:    "2026-08",
		AlertAt50:     true,
		AlertAt80:     true,
		AlertAt90:     true,
		AlertAt100:    true,
	}
	if err := f.db.Create(&budget).Error; err != nil {
		t.Fatalf("seed budget: %v", err)
	}
}

func (f *budgetFixture) seedCost(t *testing.T, actionType catalogdomain.ActionType, finalCost string) {
	t.Helper()
	amount := decimal.RequireFromString(finalCost)
	cost := catalogdomain.ActionCost{
		ID:         f.node.Generate(),
		ActionType: actionType,
		BaseCost:   amount,
		Markup:     decimal.Zero,
		FinalCost:  amount,
		Currency:   "USD",
		IsActive:   true,
	}
	if err := f.db.Create(&cost).Error; err != nil {
		t.Fatalf("seed cost: %v", err)
	}
}

func (f *budgetFixture) loadBudget(t *testing.T) budgetdomain.UserBudget {
	t.Helper()
	var budget budgetdomain.UserBudget
	if err := f.db.Where("user_id = ?", f.userID).First(&budget).Error; err != nil {
		t.Fatalf("load budget: %v", err)
	}
	return budget
}

func (f *budgetFixture) ledgerCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&usagedomain.UsageLedgerEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	return count
}

func TestChargeNoOverspendUnderConcurrency(t *testing.T) {
	f := setupBudgetService(t)
	f.seedBudget(t, "50.00", "0.00")
	f.seedCost(t, catalogdomain.ActionSendEmail, "20.00")

	const attempts = 5 // floor(50/20)+2 with one extra for good measure
	var wg sync.WaitGroup
	results := make([]*budgetdomain.ChargeResult, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Charge(context.Background(), budgetdomain.ChargeRequest{
				UserID:     f.userID.String(),
				ActionType: catalogdomain.ActionSendEmail,
			})
		}(i)
	}
	wg.Wait()

	var successes, denials int
	for i := 0; i < attempts; i++ {
		if errs[i] != nil {
			t.Fatalf("charge %d: %v", i, errs[i])
		}
		if results[i].Success {
			successes++
		} else {
			denials++
			if results[i].Reason != budgetdomain.DenialInsufficientFunds {
				t.Fatalf("charge %d: expected insufficient_funds, got %q", i, results[i].Reason)
			}
		}
	}
	if successes != 2 {
		t.Fatalf("expected exactly 2 successful charges, got %d", successes)
	}
	if denials != attempts-2 {
		t.Fatalf("expected %d denials, got %d", attempts-2, denials)
	}

	budget := f.loadBudget(t)
	if !budget.CurrentSpent.Equal(decimal.RequireFromString("40.00")) {
		t.Fatalf("expected current_spent 40.00, got %s", budget.CurrentSpent)
	}
	if budget.IsSuspended {
		t.Fatal("budget should not be suspended at 40.00 of 50.00")
	}
	if got := f.ledgerCount(t); got != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", got)
	}
}

func TestChargeExactDecimalDebit(t *testing.T) {
	f := setupBudgetService(t)
	f.seedBudget(t, "20.00", "19.99")
	f.seedCost(t, catalogdomain.ActionSendEmail, "0.01")

	result, err := f.svc.Charge(context.Background(), budgetdomain.ChargeRequest{
		UserID:     f.userID.String(),
		ActionType: catalogdomain.ActionSendEmail,
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got denial %q: %s", result.Reason, result.Message)
	}
	if result.NewCurrentSpent.String() != "20" && result.NewCurrentSpent.String() != "20.00" {
		t.Fatalf("expected exact 20.00, got %s", result.NewCurrentSpent)
	}
	if !result.NewCurrentSpent.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("19.99 + 0.01 must equal 20.00 exactly, got %s", result.NewCurrentSpent)
	}
	if !result.BudgetExceeded {
		t.Fatal("reaching the cap must suspend the budget")
	}

	budget := f.loadBudget(t)
	if !budget.IsSuspended {
		t.Fatal("expected suspended budget")
	}
	if budget.SuspendedAt == nil {
		t.Fatal("expected suspended_at to be stamped")
	}
}

func TestChargeSuspendsAtExactBudgetAndAlertsOnce(t *testing.T) {
	f := setupBudgetService(t)
	f.seedBudget(t, "10.00", "0.00")
	f.seedCost(t, catalogdomain.ActionCreateForm, "10.00")

	result, err := f.svc.Charge(context.Background(), budgetdomain.ChargeRequest{
		UserID:     f.userID.String(),
		ActionType: catalogdomain.ActionCreateForm,
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Reason)
	}
	if !result.NewCurrentSpent.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("expected spend 10.00, got %s", result.NewCurrentSpent)
	}
	if !result.BudgetExceeded {
		t.Fatal("expected budget_exceeded")
	}
	if result.AlertTriggered != string(alertdomain.AlertBudgetExceeded) {
		t.Fatalf("expected budget_exceeded alert, got %q", result.AlertTriggered)
	}

	var alerts []alertdomain.SentAlert
	if err := f.db.Find(&alerts).Error; err != nil {
		t.Fatalf("load alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(alerts))
	}
	if alerts[0].AlertType != alertdomain.AlertBudgetExceeded {
		t.Fatalf("expected budget_exceeded, got %q", alerts[0].AlertType)
	}
	if !alerts[0].CurrentSpent.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("alert must snapshot post-charge spend, got %s", alerts[0].CurrentSpent)
	}

	// A follow-up charge against the suspended budget is denied without
	// touching the ledger.
	second, err := f.svc.Charge(context.Background(), budgetdomain.ChargeRequest{
		UserID:     f.userID.String(),
		ActionType: catalogdomain.ActionCreateForm,
	})
	if err != nil {
		t.Fatalf("second charge: %v", err)
	}
	if second.Success {
		t.Fatal("charge against suspended budget must be denied")
	}
	if second.Reason != budgetdomain.DenialBudgetExhausted {
		t.Fatalf("expected budget_exhausted, got %q", second.Reason)
	}
	if got := f.ledgerCount(t); got != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", got)
	}
}

func TestChargeAllOrNothingOnDenial(t *testing.T) {
	f := setupBudgetService(t)
	f.seedBudget(t, "10.00", "9.00")
	f.seedCost(t, catalogdomain.ActionSendEmail, "2.50")

	result, err := f.svc.Charge(context.Background(), budgetdomain.ChargeRequest{
		UserID:     f.userID.String(),
		ActionType: catalogdomain.ActionSendEmail,
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Success {
		t.Fatal("expected denial")
	}
	if result.Reason != budgetdomain.DenialInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %q", result.Reason)
	}
	if result.Message == "" {
		t.Fatal("denial message must name the shortfall")
	}

	budget := f.loadBudget(t)
	if !budget.CurrentSpent.Equal(decimal.RequireFromString("9.00")) {
		t.Fatalf("denied charge must not move spend, got %s", budget.CurrentSpent)
	}
	if got := f.ledgerCount(t); got != 0 {
		t.Fatalf("denied charge must write no ledger entry, got %d", got)
	}
}

func TestChargeDenialsForMissingConfiguration(t *testing.T) {
	f := setupBudgetService(t)
	ctx := context.Background()

	// No budget row at all.
	f.seedCost(t, catalogdomain.ActionSendEmail, "1.00")
	result, err := f.svc.Charge(ctx, budgetdomain.ChargeRequest{
		UserID:     f.userID.String(),
		ActionType: catalogdomain.ActionSendEmail,
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Success || result.Reason != budgetdomain.DenialBudgetNotConfigured {
		t.Fatalf("expected budget_not_configured, got %+v", result)
	}

	// Budget exists but the action has no active price.
	f.seedBudget(t, "100.00", "0.00")
	result, err = f.svc.Charge(ctx, budgetdomain.ChargeRequest{
		UserID:     f.userID.String(),
		ActionType: catalogdomain.ActionChatConversation,
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Success || result.Reason != budgetdomain.DenialActionNotPriced {
		t.Fatalf("expected action_not_priced, got %+v", result)
	}
}

func TestChargeExactlyOnceAlertUnderConcurrency(t *testing.T) {
	f := setupBudgetService(t)
	f.seedBudget(t, "100.00", "0.00")
	f.seedCost(t, catalogdomain.ActionCreateIntegration, "41.00")

	// Two charges: 0% -> 41% crosses nothing, 41% -> 82% crosses 80.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Charge(context.Background(), budgetdomain.ChargeRequest{
				UserID:     f.userID.String(),
				ActionType: catalogdomain.ActionCreateIntegration,
			}); err != nil {
				t.Errorf("charge: %v", err)
			}
		}()
	}
	wg.Wait()

	var count int64
	err := f.db.Model(&alertdomain.SentAlert{}).
		Where("user_id = ? AND alert_type = ? AND billing_month = ?",
			f.userID, alertdomain.AlertThreshold80, "2026-08").
		Count(&count).Error
	if err != nil {
		t.Fatalf("count alerts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 threshold_80 alert, got %d", count)
	}
}

func TestCheckAvailabilityPreview(t *testing.T) {
	f := setupBudgetService(t)
	f.seedBudget(t, "100.00", "45.00")
	f.seedCost(t, catalogdomain.ActionSendEmail, "10.00")
	ctx := context.Background()

	result, err := f.svc.CheckAvailability(ctx, f.userID.String(), catalogdomain.ActionSendEmail)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected allowed, got %q: %s", result.Reason, result.Message)
	}
	if !result.CostToApply.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("expected cost 10.00, got %s", result.CostToApply)
	}
	if !result.RemainingBudget.Equal(decimal.RequireFromString("55.00")) {
		t.Fatalf("expected remaining 55.00, got %s", result.RemainingBudget)
	}
	// 45% -> 55% newly crosses the 50 boundary.
	if result.WillTriggerAlert != 50 {
		t.Fatalf("expected advisory threshold 50, got %d", result.WillTriggerAlert)
	}

	// The preview never mutates state.
	budget := f.loadBudget(t)
	if !budget.CurrentSpent.Equal(decimal.RequireFromString("45.00")) {
		t.Fatalf("preview must not mutate spend, got %s", budget.CurrentSpent)
	}
	if got := f.ledgerCount(t); got != 0 {
		t.Fatalf("preview must not write ledger entries, got %d", got)
	}
}

func TestCheckAvailabilityInsufficientFundsShortfall(t *testing.T) {
	f := setupBudgetService(t)
	f.seedBudget(t, "10.00", "9.00")
	f.seedCost(t, catalogdomain.ActionSendEmail, "2.50")

	result, err := f.svc.CheckAvailability(context.Background(), f.userID.String(), catalogdomain.ActionSendEmail)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected denial")
	}
	if result.Reason != budgetdomain.DenialInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %q", result.Reason)
	}
	for _, want := range []string{"2.50", "1.00", "1.50"} {
		if !strings.Contains(result.Message, want) {
			t.Fatalf("message must include %s, got %q", want, result.Message)
		}
	}
}

func TestCreateDefaultBudget(t *testing.T) {
	f := setupBudgetService(t)
	ctx := context.Background()

	budget, err := f.svc.CreateDefaultBudget(ctx, f.userID.String(), decimal.Zero)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !budget.MonthlyBudget.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("expected policy default 100.00, got %s", budget.MonthlyBudget)
	}
	if budget.CycleMonth != "2026-08" {
		t.Fatalf("expected cycle month 2026-08, got %q", budget.CycleMonth)
	}
	if !budget.AlertAt50 || !budget.AlertAt80 || !budget.AlertAt90 || !budget.AlertAt100 {
		t.Fatal("expected all alert thresholds enabled by default")
	}

	if _, err := f.svc.CreateDefaultBudget(ctx, f.userID.String(), decimal.Zero); err != budgetdomain.ErrBudgetExists {
		t.Fatalf("expected ErrBudgetExists, got %v", err)
	}

	// An explicit initial allowance overrides the policy default.
	other := f.node.Generate()
	custom, err := f.svc.CreateDefaultBudget(ctx, other.String(), decimal.RequireFromString("250.00"))
	if err != nil {
		t.Fatalf("create custom: %v", err)
	}
	if !custom.MonthlyBudget.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("expected 250.00, got %s", custom.MonthlyBudget)
	}
}

func TestUpdateBudgetDisablesAlertFlag(t *testing.T) {
	f := setupBudgetService(t)
	f.seedBudget(t, "100.00", "0.00")

	disabled := false
	amount := decimal.RequireFromString("75.00")
	updated, err := f.svc.UpdateBudget(context.Background(), budgetdomain.UpdateBudgetRequest{
		UserID:        f.userID.String(),
		MonthlyBudget: &amount,
		AlertAt80:     &disabled,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.AlertAt80 {
		t.Fatal("expected 80% alert disabled")
	}

	budget := f.loadBudget(t)
	if budget.AlertAt80 {
		t.Fatal("disabled flag must persist")
	}
	if !budget.MonthlyBudget.Equal(amount) {
		t.Fatalf("expected monthly budget 75.00, got %s", budget.MonthlyBudget)
	}
}

func TestResetExpiredCycles(t *testing.T) {
	f := setupBudgetService(t)

	suspendedAt := time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)
	stale := budgetdomain.UserBudget{
		ID:            f.node.Generate(),
		UserID:        f.node.Generate(),
		MonthlyBudget: decimal.RequireFromString("50.00"),
		CurrentSpent:  decimal.RequireFromString("50.00"),
		Currency:      "USD",
		IsSuspended:   true,
		SuspendedAt:   &suspendedAt,
		CycleMonth:    "2026-07",
		AlertAt50:     true,
		AlertAt80:     true,
		AlertAt90:     true,
		AlertAt100:    true,
	}
	if err := f.db.Create(&stale).Error; err != nil {
		t.Fatalf("seed stale budget: %v", err)
	}
	f.seedBudget(t, "100.00", "30.00") // already in 2026-08

	reset, err := f.svc.ResetExpiredCycles(context.Background())
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 budget reset, got %d", reset)
	}

	var rolled budgetdomain.UserBudget
	if err := f.db.Where("user_id = ?", stale.UserID).First(&rolled).Error; err != nil {
		t.Fatalf("load rolled budget: %v", err)
	}
	if !rolled.CurrentSpent.Equal(decimal.Zero) {
		t.Fatalf("expected spend reset to 0, got %s", rolled.CurrentSpent)
	}
	if rolled.IsSuspended {
		t.Fatal("rollover must lift suspension")
	}
	if rolled.CycleMonth != "2026-08" {
		t.Fatalf("expected cycle 2026-08, got %q", rolled.CycleMonth)
	}

	// Current-month budgets are untouched and a second run is a no-op.
	current := f.loadBudget(t)
	if !current.CurrentSpent.Equal(decimal.RequireFromString("30.00")) {
		t.Fatalf("current-cycle budget must keep its spend, got %s", current.CurrentSpent)
	}
	again, err := f.svc.ResetExpiredCycles(context.Background())
	if err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected idempotent rerun, got %d resets", again)
	}
}
