package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/accountingproxy/internal/cache"
	"github.com/smallbiznis/accountingproxy/internal/config"
	"github.com/smallbiznis/accountingproxy/internal/contextbroker"
	"github.com/smallbiznis/accountingproxy/internal/observability"
	obsmiddleware "github.com/smallbiznis/accountingproxy/internal/observability/logger"
	obstracing "github.com/smallbiznis/accountingproxy/internal/observability/tracing"
	"github.com/smallbiznis/accountingproxy/internal/proxy"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(cache.NewServiceResolver),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
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

type Server struct {
	engine       *gin.Engine
	resolver     *cache.ServiceResolver
	forwarder    *proxy.Forwarder
	relay        *contextbroker.Relay
	apiKeyHeader string
	log          *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Resolver  *cache.ServiceResolver
	Forwarder *proxy.Forwarder
	Relay     *contextbroker.Relay
	Log       *zap.Logger
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		resolver:     p.Resolver,
		forwarder:    p.Forwarder,
		relay:        p.Relay,
		apiKeyHeader: p.Cfg.APIKeyHeader,
		log:          p.Log.Named("http"),
	}
	if svc.apiKeyHeader == "" {
		svc.apiKeyHeader = "X-API-KEY"
	}

	svc.registerNotificationRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerNotificationRoutes() {
	s.engine.POST("/subscriptions", s.Notify)
}

// registerFallback sends every other path to the metered proxy.
func (s *Server) registerFallback() {
	s.engine.NoRoute(s.Proxy)
}
