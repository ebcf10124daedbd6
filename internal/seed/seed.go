// Package seed bootstraps the price catalog so a fresh install can charge
// immediately.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type defaultCost struct {
	actionType catalogdomain.ActionType
	baseCost   string
	markup     string
}

var defaultCosts = []defaultCost{
	{catalogdomain.ActionCreateIntegration, "1.50", "0.50"},
	{catalogdomain.ActionCreateForm, "0.75", "0.25"},
	{catalogdomain.ActionSendEmail, "0.08", "0.02"},
	{catalogdomain.ActionChatConversation, "0.40", "0.10"},
}

// EnsureDefaultActionCosts inserts the default price catalog when the
// action_costs table is empty. Existing catalogs are never touched.
func EnsureDefaultActionCosts(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&catalogdomain.ActionCost{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		for _, c := range defaultCosts {
			base := decimal.RequireFromString(c.baseCost)
			markup := decimal.RequireFromString(c.markup)
			cost := catalogdomain.ActionCost{
				ID:         node.Generate(),
				ActionType: c.actionType,
				BaseCost:   base,
				Markup:     markup,
				FinalCost:  base.Add(markup),
				Currency:   "USD",
				IsActive:   true,
			}
			if err := tx.Create(&cost).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
