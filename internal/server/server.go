package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sessionlane/paylane/internal/account"
	accountdomain "github.com/sessionlane/paylane/internal/account/domain"
	"github.com/sessionlane/paylane/internal/booking"
	bookingdomain "github.com/sessionlane/paylane/internal/booking/domain"
	"github.com/sessionlane/paylane/internal/config"
	"github.com/sessionlane/paylane/internal/notification"
	"github.com/sessionlane/paylane/internal/observability"
	obslogger "github.com/sessionlane/paylane/internal/observability/logger"
	obsmetrics "github.com/sessionlane/paylane/internal/observability/metrics"
	"github.com/sessionlane/paylane/internal/payout"
	"github.com/sessionlane/paylane/internal/processor"
	"github.com/sessionlane/paylane/internal/providers/email"
	"github.com/sessionlane/paylane/internal/webhook"
	webhookdomain "github.com/sessionlane/paylane/internal/webhook/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("http.server",
	config.Module,
	observability.Module,
	fx.Provide(registerGin),
	processor.Module,
	email.Module,
	notification.Module,
	account.Module,
	booking.Module,
	payout.Module,
	webhook.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           cfg.Environment != "production",
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(cfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
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
	webhookSvc webhookdomain.Service
	bookingSvc bookingdomain.Service
	accountSvc accountdomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	WebhookSvc webhookdomain.Service
	BookingSvc bookingdomain.Service
	AccountSvc accountdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		webhookSvc: p.WebhookSvc,
		bookingSvc: p.BookingSvc,
		accountSvc: p.AccountSvc,
	}

	svc.registerRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.POST("/webhooks/payments", s.HandlePaymentWebhook)

	s.engine.GET("/bookings/:id", s.GetBooking)
	s.engine.POST("/bookings/:id/complete", s.CompleteBooking)

	s.engine.GET("/accounts/:id", s.GetAccount)
	s.engine.POST("/accounts/:id/refresh", s.RefreshAccount)
}
