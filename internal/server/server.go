// Package server exposes the HTTP surface: ingest, quota reads, reports,
// forecasts, anomalies, and alert management.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	alertdomain "github.com/smallbiznis/quotaflow/internal/alert/domain"
	anomalydomain "github.com/smallbiznis/quotaflow/internal/anomaly/domain"
	"github.com/smallbiznis/quotaflow/internal/config"
	"github.com/smallbiznis/quotaflow/internal/forecast"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"github.com/smallbiznis/quotaflow/internal/reporting"
	usagedomain "github.com/smallbiznis/quotaflow/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin() *gin.Engine {
	return NewEngine()
}

type Params struct {
	fx.In

	Cfg       config.Config
	Log       *zap.Logger
	Engine    *gin.Engine
	Usage     usagedomain.Service
	Quota     quotadomain.Service
	Forecast  *forecast.Service
	Anomaly   anomalydomain.Service
	Alerts    alertdomain.Service
	Reporting *reporting.Service
}

type Server struct {
	engine       *gin.Engine
	log          *zap.Logger
	usageSvc     usagedomain.Service
	quotaSvc     quotadomain.Service
	forecastSvc  *forecast.Service
	anomalySvc   anomalydomain.Service
	alertSvc     alertdomain.Service
	reportingSvc *reporting.Service
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:       p.Engine,
		log:          p.Log.Named("http.server"),
		usageSvc:     p.Usage,
		quotaSvc:     p.Quota,
		forecastSvc:  p.Forecast,
		anomalySvc:   p.Anomaly,
		alertSvc:     p.Alerts,
		reportingSvc: p.Reporting,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1", s.TenantRequired())
	{
		v1.POST("/usage/track", s.TrackUsage)
		v1.GET("/usage/events", s.ListUsageEvents)

		v1.GET("/quotas/availability", s.CheckAvailability)

		v1.GET("/reports/summary", s.ReportSummary)
		v1.GET("/reports/trends", s.ReportTrends)
		v1.POST("/reports/generate", s.GenerateReport)

		v1.POST("/forecasts", s.CreateForecast)

		v1.POST("/anomalies/detect", s.DetectAnomalies)
		v1.GET("/anomalies", s.ListAnomalies)

		v1.GET("/alerts", s.ListAlerts)
		v1.POST("/alerts/:id/acknowledge", s.AcknowledgeAlert)
	}

	// Operator endpoints; no tenant header, the target tenant rides in the
	// request body or path.
	admin := s.engine.Group("/v1/admin")
	{
		admin.POST("/quotas/reset", s.ResetQuota)
		admin.POST("/anomalies/:id/status", s.TransitionAnomaly)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
