package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// BudgetPolicy controls engine-wide budget defaults. It is hot-reloadable so
// operators can adjust defaults without a restart; existing budgets are not
// rewritten on reload.
type BudgetPolicy struct {
	DefaultMonthlyBudget string        `mapstructure:"defaultMonthlyBudget"`
	Currency             string        `mapstructure:"currency"`
	CatalogCacheTTL      time.Duration `mapstructure:"catalogCacheTTL"`
	AlertThresholds      []int         `mapstructure:"alertThresholds"`
}

// DefaultBudgetPolicy returns the policy applied when no config file exists.
func DefaultBudgetPolicy() BudgetPolicy {
	return BudgetPolicy{
		DefaultMonthlyBudget: "100.00",
		Currency:             "USD",
		CatalogCacheTTL:      5 * time.Minute,
		AlertThresholds:      []int{50, 80, 90, 100},
	}
}

// DefaultBudgetDecimal parses the configured default monthly budget.
func (p BudgetPolicy) DefaultBudgetDecimal() decimal.Decimal {
	amount, err := decimal.NewFromString(strings.TrimSpace(p.DefaultMonthlyBudget))
	if err != nil {
		return decimal.RequireFromString(DefaultBudgetPolicy().DefaultMonthlyBudget)
	}
	return amount
}

// ThresholdEnabled reports whether the given percentage threshold is part of
// the configured alert ladder.
func (p BudgetPolicy) ThresholdEnabled(threshold int) bool {
	for _, t := range p.AlertThresholds {
		if t == threshold {
			return true
		}
	}
	return false
}

type BudgetPolicyHolder struct {
	current atomic.Value // holds BudgetPolicy
}

// NewBudgetPolicyHolder loads budget.yml and watches it for changes.
func NewBudgetPolicyHolder() (*BudgetPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("budget")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterbill/config") // Volume-mounted config
	v.AddConfigPath("/etc/meterbill")            // System config
	v.AddConfigPath(".")                         // Current directory (dev mode)

	v.SetEnvPrefix("METERBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBudgetPolicy()
	v.SetDefault("budget.defaultMonthlyBudget", defaults.DefaultMonthlyBudget)
	v.SetDefault("budget.currency", defaults.Currency)
	v.SetDefault("budget.catalogCacheTTL", defaults.CatalogCacheTTL)
	v.SetDefault("budget.alertThresholds", defaults.AlertThresholds)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy BudgetPolicy
	if err := v.UnmarshalKey("budget", &policy); err != nil {
		return nil, err
	}
	if err := validateBudgetPolicy(policy); err != nil {
		return nil, err
	}

	holder := &BudgetPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BudgetPolicy
		if err := v.UnmarshalKey("budget", &updated); err != nil {
			log.Printf("[budget-policy] reload failed: %v", err)
			return
		}
		if err := validateBudgetPolicy(updated); err != nil {
			log.Printf("[budget-policy] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[budget-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BudgetPolicyHolder) Get() BudgetPolicy {
	return h.current.Load().(BudgetPolicy)
}

// NewStaticBudgetPolicyHolder wraps a fixed policy, used by tests.
func NewStaticBudgetPolicyHolder(policy BudgetPolicy) *BudgetPolicyHolder {
	holder := &BudgetPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func validateBudgetPolicy(policy BudgetPolicy) error {
	amount, err := decimal.NewFromString(strings.TrimSpace(policy.DefaultMonthlyBudget))
	if err != nil {
		return errors.New("budget.defaultMonthlyBudget must be a decimal string")
	}
	if amount.IsNegative() {
		return errors.New("budget.defaultMonthlyBudget cannot be negative")
	}
	if strings.TrimSpace(policy.Currency) == "" {
		return errors.New("budget.currency cannot be empty")
	}
	if policy.CatalogCacheTTL <= 0 {
		return errors.New("budget.catalogCacheTTL must be positive")
	}
	for _, t := range policy.AlertThresholds {
		switch t {
		case 50, 80, 90, 100:
		default:
			return errors.New("budget.alertThresholds may only contain 50, 80, 90, 100")
		}
	}
	return nil
}
