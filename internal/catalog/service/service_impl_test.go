package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	"github.com/formlane/meterbill/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupCatalogService(t *testing.T) (catalogdomain.Service, *gorm.DB, *snowflake.Node) {
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

	if err := db.AutoMigrate(&catalogdomain.ActionCost{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	policy := config.DefaultBudgetPolicy()
	policy.CatalogCacheTTL = time.Minute

	svc := NewService(ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Policy: config.NewStaticBudgetPolicyHolder(policy),
	})
	return svc, db, node
}

func seedActiveCost(t *testing.T, db *gorm.DB, node *snowflake.Node, actionType catalogdomain.ActionType, finalCost string) catalogdomain.ActionCost {
	t.Helper()
	amount := decimal.RequireFromString(finalCost)
	cost := catalogdomain.ActionCost{
		ID:         node.Generate(),
		ActionType: actionType,
		BaseCost:   amount,
		Markup:     decimal.Zero,
		FinalCost:  amount,
		Currency:   "USD",
		IsActive:   true,
	}
	if err := db.Create(&cost).Error; err != nil {
		t.Fatalf("seed cost: %v", err)
	}
	return cost
}

func TestGetActiveCostServesFromCacheUntilInvalidate(t *testing.T) {
	svc, db, node := setupCatalogService(t)
	ctx := context.Background()
	seeded := seedActiveCost(t, db, node, catalogdomain.ActionSendEmail, "0.10")

	first, err := svc.GetActiveCost(ctx, catalogdomain.ActionSendEmail)
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if !first.FinalCost.Equal(seeded.FinalCost) {
		t.Fatalf("expected 0.10, got %s", first.FinalCost)
	}

	// Change the price behind the cache's back. Within the TTL the cached
	// value keeps being served; only Invalidate exposes the new price.
	err = db.Model(&catalogdomain.ActionCost{}).
		Where("id = ?", seeded.ID).
		Update("final_cost", decimal.RequireFromString("9.99")).Error
	if err != nil {
		t.Fatalf("mutate price: %v", err)
	}

	second, err := svc.GetActiveCost(ctx, catalogdomain.ActionSendEmail)
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if !second.FinalCost.Equal(first.FinalCost) {
		t.Fatalf("cached lookup must match first result, got %s", second.FinalCost)
	}

	svc.Invalidate()

	third, err := svc.GetActiveCost(ctx, catalogdomain.ActionSendEmail)
	if err != nil {
		t.Fatalf("third lookup: %v", err)
	}
	if !third.FinalCost.Equal(decimal.RequireFromString("9.99")) {
		t.Fatalf("post-invalidate lookup must see the new price, got %s", third.FinalCost)
	}
}

func TestGetActiveCostUncachedBypassesCache(t *testing.T) {
	svc, db, node := setupCatalogService(t)
	ctx := context.Background()
	seeded := seedActiveCost(t, db, node, catalogdomain.ActionCreateForm, "1.00")

	if _, err := svc.GetActiveCost(ctx, catalogdomain.ActionCreateForm); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	err := db.Model(&catalogdomain.ActionCost{}).
		Where("id = ?", seeded.ID).
		Update("final_cost", decimal.RequireFromString("2.00")).Error
	if err != nil {
		t.Fatalf("mutate price: %v", err)
	}

	fresh, err := svc.GetActiveCostUncached(ctx, catalogdomain.ActionCreateForm)
	if err != nil {
		t.Fatalf("uncached lookup: %v", err)
	}
	if !fresh.FinalCost.Equal(decimal.RequireFromString("2.00")) {
		t.Fatalf("uncached lookup must read storage, got %s", fresh.FinalCost)
	}
}

func TestGetActiveCostNotFound(t *testing.T) {
	svc, _, _ := setupCatalogService(t)

	if _, err := svc.GetActiveCost(context.Background(), catalogdomain.ActionChatConversation); err != catalogdomain.ErrCostNotFound {
		t.Fatalf("expected ErrCostNotFound, got %v", err)
	}
	if _, err := svc.GetActiveCost(context.Background(), catalogdomain.ActionType("bogus")); err != catalogdomain.ErrInvalidActionType {
		t.Fatalf("expected ErrInvalidActionType, got %v", err)
	}
}

func TestUpdateCostVersionsThePrice(t *testing.T) {
	svc, db, node := setupCatalogService(t)
	ctx := context.Background()
	seeded := seedActiveCost(t, db, node, catalogdomain.ActionCreateIntegration, "2.00")

	newBase := decimal.RequireFromString("3.00")
	newMarkup := decimal.RequireFromString("0.50")
	updated, err := svc.UpdateCost(ctx, catalogdomain.UpdateCostRequest{
		CostID:   seeded.ID.String(),
		BaseCost: &newBase,
		Markup:   &newMarkup,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID == seeded.ID {
		t.Fatal("update must insert a new version, not mutate the old row")
	}
	if !updated.FinalCost.Equal(decimal.RequireFromString("3.50")) {
		t.Fatalf("expected final cost 3.50, got %s", updated.FinalCost)
	}

	// The old version survives, deactivated, with its price untouched.
	var old catalogdomain.ActionCost
	if err := db.First(&old, "id = ?", seeded.ID).Error; err != nil {
		t.Fatalf("load old version: %v", err)
	}
	if old.IsActive {
		t.Fatal("previous version must be deactivated")
	}
	if !old.FinalCost.Equal(decimal.RequireFromString("2.00")) {
		t.Fatalf("historical price must not change, got %s", old.FinalCost)
	}

	// The catalog serves the new version immediately.
	active, err := svc.GetActiveCost(ctx, catalogdomain.ActionCreateIntegration)
	if err != nil {
		t.Fatalf("lookup after update: %v", err)
	}
	if active.ID != updated.ID {
		t.Fatalf("expected new version %s, got %s", updated.ID, active.ID)
	}

	// Negative amounts are rejected.
	negative := decimal.RequireFromString("-1.00")
	if _, err := svc.UpdateCost(ctx, catalogdomain.UpdateCostRequest{
		CostID:   updated.ID.String(),
		BaseCost: &negative,
	}); err != catalogdomain.ErrInvalidCost {
		t.Fatalf("expected ErrInvalidCost, got %v", err)
	}
}
