package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/formlane/meterbill/internal/cache"
	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	"github.com/formlane/meterbill/internal/config"
	obsmetrics "github.com/formlane/meterbill/internal/observability/metrics"
	"github.com/formlane/meterbill/pkg/repository"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Policy *config.BudgetPolicyHolder
	Redis  *redis.Client       `optional:"true"`
	Obs    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	policy   *config.BudgetPolicyHolder
	costrepo repository.Repository[catalogdomain.ActionCost]
	costs    cache.Cache[string, catalogdomain.ActionCost]
	obs      *obsmetrics.Metrics
}

func NewService(p ServiceParam) catalogdomain.Service {
	costs := cache.NewTTLCache[string, catalogdomain.ActionCost]()
	if p.Redis != nil {
		costs = cache.NewRedisCache[catalogdomain.ActionCost](p.Redis, "meterbill:action_cost")
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("catalog.service"),

		genID:    p.GenID,
		policy:   p.Policy,
		costrepo: repository.ProvideStore[catalogdomain.ActionCost](p.DB),
		costs:    costs,
		obs:      p.Obs,
	}
}

func (s *Service) GetActiveCost(ctx context.Context, actionType catalogdomain.ActionType) (*catalogdomain.ActionCost, error) {
	if !actionType.Valid() {
		return nil, catalogdomain.ErrInvalidActionType
	}

	if cached, ok := s.costs.Get(string(actionType)); ok {
		s.obs.RecordCatalogLookup(ctx, string(actionType), true)
		return &cached, nil
	}
	s.obs.RecordCatalogLookup(ctx, string(actionType), false)

	cost, err := s.GetActiveCostUncached(ctx, actionType)
	if err != nil {
		return nil, err
	}

	s.costs.Set(string(actionType), *cost, s.policy.Get().CatalogCacheTTL)
	return cost, nil
}

func (s *Service) GetActiveCostUncached(ctx context.Context, actionType catalogdomain.ActionType) (*catalogdomain.ActionCost, error) {
	if !actionType.Valid() {
		return nil, catalogdomain.ErrInvalidActionType
	}

	cost, err := s.costrepo.FindOne(ctx, &catalogdomain.ActionCost{
		ActionType: actionType,
		IsActive:   true,
	})
	if err != nil {
		return nil, err
	}
	if cost == nil {
		return nil, catalogdomain.ErrCostNotFound
	}
	return cost, nil
}

func (s *Service) List(ctx context.Context) ([]catalogdomain.ActionCost, error) {
	rows, err := s.costrepo.Find(ctx, &catalogdomain.ActionCost{})
	if err != nil {
		return nil, err
	}

	costs := make([]catalogdomain.ActionCost, 0, len(rows))
	for _, row := range rows {
		costs = append(costs, *row)
	}
	return costs, nil
}

// UpdateCost publishes a new price version: the current active row for the
// action type is deactivated and a fresh row inserted in one transaction, so
// rows already referenced by the usage ledger keep their recorded amounts.
func (s *Service) UpdateCost(ctx context.Context, req catalogdomain.UpdateCostRequest) (*catalogdomain.ActionCost, error) {
	costID, err := snowflake.ParseString(strings.TrimSpace(req.CostID))
	if err != nil {
		return nil, catalogdomain.ErrCostNotFound
	}

	current, err := s.costrepo.FindOne(ctx, &catalogdomain.ActionCost{ID: costID})
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, catalogdomain.ErrCostNotFound
	}

	next := catalogdomain.ActionCost{
		ID:         s.genID.Generate(),
		ActionType: current.ActionType,
		BaseCost:   current.BaseCost,
		Markup:     current.Markup,
		Currency:   current.Currency,
		IsActive:   true,
	}
	if req.BaseCost != nil {
		next.BaseCost = *req.BaseCost
	}
	if req.Markup != nil {
		next.Markup = *req.Markup
	}
	if req.Currency != nil {
		currency := strings.ToUpper(strings.TrimSpace(*req.Currency))
		if currency == "" {
			return nil, catalogdomain.ErrInvalidCost
		}
		next.Currency = currency
	}
	if req.Active != nil {
		next.IsActive = *req.Active
	}

	if next.BaseCost.IsNegative() || next.Markup.IsNegative() {
		return nil, catalogdomain.ErrInvalidCost
	}
	next.FinalCost = next.BaseCost.Add(next.Markup)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&catalogdomain.ActionCost{}).
			Where("action_type = ? AND is_active = ?", current.ActionType, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(&next).Error
	})
	if err != nil {
		return nil, err
	}

	// Stale prices must never be served past the update.
	s.Invalidate()

	s.log.Info("action cost updated",
		zap.String("action_type", string(next.ActionType)),
		zap.String("final_cost", next.FinalCost.StringFixed(2)),
		zap.String("previous_cost_id", current.ID.String()),
		zap.String("cost_id", next.ID.String()),
	)

	return &next, nil
}

func (s *Service) Invalidate() {
	s.costs.Clear()
}
