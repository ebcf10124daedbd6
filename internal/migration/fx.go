package migration

import (
	"strings"

	alertdomain "github.com/formlane/meterbill/internal/alert/domain"
	budgetdomain "github.com/formlane/meterbill/internal/budget/domain"
	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	"github.com/formlane/meterbill/internal/seed"
	usagedomain "github.com/formlane/meterbill/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		if strings.EqualFold(conn.Dialector.Name(), "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// The versioned SQL is postgres-specific; other dialects are
			// dev and test targets where the model schema is enough.
			err := conn.AutoMigrate(
				&catalogdomain.ActionCost{},
				&budgetdomain.UserBudget{},
				&usagedomain.UsageLedgerEntry{},
				&alertdomain.SentAlert{},
			)
			if err != nil {
				return err
			}
		}

		return seed.EnsureDefaultActionCosts(conn)
	}),
)
