package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	alertdomain "github.com/formlane/meterbill/internal/alert/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAlertService(t *testing.T) (alertdomain.Service, *gorm.DB) {
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

	if err := db.AutoMigrate(&alertdomain.SentAlert{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})
	return svc, db
}

func allEnabledSnapshot(budget, spent string) alertdomain.BudgetSnapshot {
	return alertdomain.BudgetSnapshot{
		MonthlyBudget: decimal.RequireFromString(budget),
		CurrentSpent:  decimal.RequireFromString(spent),
		AlertAt50:     true,
		AlertAt80:     true,
		AlertAt90:     true,
		AlertAt100:    true,
	}
}

func TestEvaluateFiresHighestCrossedOnly(t *testing.T) {
	svc, db := setupAlertService(t)
	ctx := context.Background()

	fired, err := svc.Evaluate(ctx, alertdomain.EvaluateRequest{
		UserID:             snowflake.ID(1001),
		PreviousPercentage: decimal.NewFromInt(40),
		NewPercentage:      decimal.NewFromInt(100),
		Budget:             allEnabledSnapshot("100.00", "100.00"),
		BillingMonth:       "2026-08",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != alertdomain.AlertBudgetExceeded {
		t.Fatalf("expected budget_exceeded, got %q", fired)
	}

	var count int64
	if err := db.Model(&alertdomain.SentAlert{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 alert row after multi-boundary jump, got %d", count)
	}

	var record alertdomain.SentAlert
	if err := db.First(&record).Error; err != nil {
		t.Fatalf("load alert: %v", err)
	}
	if record.ThresholdReached != 100 {
		t.Fatalf("expected threshold 100, got %d", record.ThresholdReached)
	}
	if record.DeliveryStatus != alertdomain.DeliveryStatusPending {
		t.Fatalf("expected pending delivery, got %q", record.DeliveryStatus)
	}
	if !record.CurrentSpent.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("expected post-charge spend snapshot, got %s", record.CurrentSpent)
	}
}

func TestEvaluateNoCrossing(t *testing.T) {
	svc, db := setupAlertService(t)

	fired, err := svc.Evaluate(context.Background(), alertdomain.EvaluateRequest{
		UserID:             snowflake.ID(1001),
		PreviousPercentage: decimal.NewFromInt(20),
		NewPercentage:      decimal.NewFromInt(45),
		Budget:             allEnabledSnapshot("100.00", "45.00"),
		BillingMonth:       "2026-08",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != "" {
		t.Fatalf("expected no alert, got %q", fired)
	}

	var count int64
	if err := db.Model(&alertdomain.SentAlert{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no alert rows, got %d", count)
	}
}

func TestEvaluateSkipsDisabledThreshold(t *testing.T) {
	svc, _ := setupAlertService(t)

	snapshot := allEnabledSnapshot("100.00", "85.00")
	snapshot.AlertAt80 = false

	fired, err := svc.Evaluate(context.Background(), alertdomain.EvaluateRequest{
		UserID:             snowflake.ID(1001),
		PreviousPercentage: decimal.NewFromInt(70),
		NewPercentage:      decimal.NewFromInt(85),
		Budget:             snapshot,
		BillingMonth:       "2026-08",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != "" {
		t.Fatalf("expected no alert with 80%% disabled, got %q", fired)
	}
}

func TestEvaluateExactlyOncePerMonth(t *testing.T) {
	svc, db := setupAlertService(t)
	ctx := context.Background()

	req := alertdomain.EvaluateRequest{
		UserID:             snowflake.ID(1001),
		PreviousPercentage: decimal.NewFromInt(75),
		NewPercentage:      decimal.NewFromInt(82),
		Budget:             allEnabledSnapshot("100.00", "82.00"),
		BillingMonth:       "2026-08",
	}

	first, err := svc.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if first != alertdomain.AlertThreshold80 {
		t.Fatalf("expected threshold_80, got %q", first)
	}

	second, err := svc.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if second != "" {
		t.Fatalf("expected dedup no-op, got %q", second)
	}

	// A new billing month starts a fresh dedup window.
	req.BillingMonth = "2026-09"
	third, err := svc.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("third evaluate: %v", err)
	}
	if third != alertdomain.AlertThreshold80 {
		t.Fatalf("expected threshold_80 in new month, got %q", third)
	}

	var count int64
	if err := db.Model(&alertdomain.SentAlert{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 alert rows across months, got %d", count)
	}
}

func TestEvaluateConcurrentWritersSingleRow(t *testing.T) {
	svc, db := setupAlertService(t)

	req := alertdomain.EvaluateRequest{
		UserID:             snowflake.ID(1001),
		PreviousPercentage: decimal.NewFromInt(78),
		NewPercentage:      decimal.NewFromInt(81),
		Budget:             allEnabledSnapshot("100.00", "81.00"),
		BillingMonth:       "2026-08",
	}

	const writers = 8
	var wg sync.WaitGroup
	fired := make(chan alertdomain.AlertType, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alertType, err := svc.Evaluate(context.Background(), req)
			if err != nil {
				t.Errorf("evaluate: %v", err)
				return
			}
			if alertType != "" {
				fired <- alertType
			}
		}()
	}
	wg.Wait()
	close(fired)

	var winners int
	for range fired {
		winners++
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winning evaluator, got %d", winners)
	}

	var count int64
	if err := db.Model(&alertdomain.SentAlert{}).
		Where("user_id = ? AND alert_type = ? AND billing_month = ?", snowflake.ID(1001), alertdomain.AlertThreshold80, "2026-08").
		Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 threshold_80 row, got %d", count)
	}
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	svc, _ := setupAlertService(t)
	ctx := context.Background()

	if _, err := svc.Evaluate(ctx, alertdomain.EvaluateRequest{
		BillingMonth: "2026-08",
	}); err != alertdomain.ErrInvalidUser {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}

	if _, err := svc.Evaluate(ctx, alertdomain.EvaluateRequest{
		UserID:       snowflake.ID(1001),
		BillingMonth: "08-2026",
	}); err != alertdomain.ErrInvalidBillingMonth {
		t.Fatalf("expected ErrInvalidBillingMonth, got %v", err)
	}
}
