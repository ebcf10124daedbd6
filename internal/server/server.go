package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	alertdomain "github.com/formlane/meterbill/internal/alert/domain"
	budgetdomain "github.com/formlane/meterbill/internal/budget/domain"
	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	"github.com/formlane/meterbill/internal/config"
	"github.com/formlane/meterbill/internal/observability"
	obsmiddleware "github.com/formlane/meterbill/internal/observability/logger"
	obsmetrics "github.com/formlane/meterbill/internal/observability/metrics"
	obstracing "github.com/formlane/meterbill/internal/observability/tracing"
	usagedomain "github.com/formlane/meterbill/internal/usage/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	budgetSvc  budgetdomain.Service
	catalogSvc catalogdomain.Service
	usageSvc   usagedomain.Service
	alertSvc   alertdomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	BudgetSvc  budgetdomain.Service
	CatalogSvc catalogdomain.Service
	UsageSvc   usagedomain.Service
	AlertSvc   alertdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		budgetSvc:  p.BudgetSvc,
		catalogSvc: p.CatalogSvc,
		usageSvc:   p.UsageSvc,
		alertSvc:   p.AlertSvc,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	budget := api.Group("/budget")
	{
		budget.POST("/check", s.CheckBudgetAvailability)
		budget.POST("/charge", s.ChargeUserBudget)
	}

	budgets := api.Group("/budgets")
	{
		budgets.POST("", s.CreateUserBudget)
		budgets.GET("/:userId", s.GetUserBudget)
		budgets.PATCH("/:userId", s.UpdateUserBudget)
	}

	usage := api.Group("/usage")
	{
		usage.GET("/:userId/stats", s.GetUserMonthlyStats)
		usage.GET("/:userId/entries", s.ListUsageEntries)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/api/v1/admin")

	admin.GET("/action-costs", s.ListActionCosts)
	admin.PATCH("/action-costs/:costId", s.UpdateActionCost)
	admin.GET("/budgets", s.ListUserBudgets)
	admin.GET("/alerts/pending", s.ListPendingAlerts)
}
