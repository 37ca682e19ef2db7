package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pollstack/billing/internal/config"
	"github.com/pollstack/billing/internal/observability"
	paymentdomain "github.com/pollstack/billing/internal/payment/domain"
	plandomain "github.com/pollstack/billing/internal/plan/domain"
	regiondomain "github.com/pollstack/billing/internal/region/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
	subscriptiondomain "github.com/pollstack/billing/internal/subscription/domain"
	usagedomain "github.com/pollstack/billing/internal/usage/domain"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Cfg           config.Config
	Metrics       *observability.Metrics
	Regions       regiondomain.Service
	Routing       routingdomain.Service
	Plans         plandomain.Service
	Subscriptions subscriptiondomain.Service
	Usage         usagedomain.Service
	Router        paymentdomain.Router
	Webhooks      paymentdomain.WebhookIngestor
}

type Server struct {
	log           *zap.Logger
	cfg           config.Config
	metrics       *observability.Metrics
	regionsvc     regiondomain.Service
	routingsvc    routingdomain.Service
	plansvc       plandomain.Service
	subscriptions subscriptiondomain.Service
	usagesvc      usagedomain.Service
	router        paymentdomain.Router
	webhooks      paymentdomain.WebhookIngestor
}

func NewServer(p Params) *Server {
	return &Server{
		log:           p.Log.Named("server"),
		cfg:           p.Cfg,
		metrics:       p.Metrics,
		regionsvc:     p.Regions,
		routingsvc:    p.Routing,
		plansvc:       p.Plans,
		subscriptions: p.Subscriptions,
		usagesvc:      p.Usage,
		router:        p.Router,
		webhooks:      p.Webhooks,
	}
}

func NewEngine(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log.Named("http")))
	return engine
}

func (s *Server) RegisterRoutes(engine *gin.Engine) {
	engine.Use(requestMetrics(s.metrics))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	engine.POST("/webhooks/:provider", s.IngestWebhook)

	api := engine.Group("/api")
	{
		api.POST("/payments", s.RoutePayment)
		api.GET("/payments/recommendation", s.GetRecommendation)
		api.GET("/payments/methods", s.GetPaymentMethods)
		api.GET("/payments/:external_id/verify", s.VerifyPayment)

		api.GET("/plans/:id", s.GetPlan)

		api.GET("/subscriptions/current", s.GetCurrentSubscription)
		api.DELETE("/subscriptions/current", s.CancelSubscription)

		api.POST("/usage", s.TrackUsage)
		api.GET("/usage/unpaid", s.GetUnpaidUsage)
		api.POST("/usage/settle", s.SettleUsage)

		admin := api.Group("/admin")
		{
			admin.POST("/plans", s.CreatePlan)
			admin.PUT("/plans/:id/price", s.ChangePlanPrice)
			admin.PUT("/plans/:id/regional-prices", s.ReplaceRegionalPrices)
			admin.PUT("/regions/countries", s.UpsertCountryMapping)
			admin.PUT("/regions/:region/policy", s.UpsertGatewayPolicy)
		}
	}
}

// RunHTTP starts the HTTP listener on the fx lifecycle.
func RunHTTP(lc fx.Lifecycle, engine *gin.Engine, server *Server, log *zap.Logger, cfg config.Config) {
	server.RegisterRoutes(engine)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})
}

func requestMetrics(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			log.Warn("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Int("status", c.Writer.Status()),
				zap.String("error", c.Errors.String()))
		}
	}
}

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)
