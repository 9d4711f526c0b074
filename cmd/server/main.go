package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/georgeji/record-observer/internal/config"
	"github.com/georgeji/record-observer/internal/grpc_server"
	"github.com/georgeji/record-observer/internal/handler"
	"github.com/georgeji/record-observer/internal/observer"
	"github.com/georgeji/record-observer/internal/source"
	"github.com/georgeji/record-observer/internal/source/memory"
	"github.com/georgeji/record-observer/internal/source/postgres"
	"github.com/georgeji/record-observer/internal/source/salesforce"
	"github.com/georgeji/record-observer/pkg/auth"
)

var (
	configPath = flag.String("config", "config.yaml", "config file path")
)

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 初始化日志
	logger, err := initLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer logger.Sync()

	logger.Info("starting record observer",
		zap.String("entity_name", cfg.Observer.EntityName),
		zap.String("source", cfg.Source.Kind),
		zap.String("http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("grpc_addr", fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)),
	)

	src, store, closeSource := newSource(cfg, logger)
	defer closeSource()

	obs, err := observer.NewObserver(cfg.ObserverConfig(), src, logger.Named("observer"))
	if err != nil {
		logger.Fatal("create observer failed", zap.Error(err))
	}

	// 启动 gRPC 健康检查
	healthServer := grpc_server.NewHealthServer(logger)
	obs.RegisterStatusHandler(healthServer.HandleStatus)
	grpcServer := grpc.NewServer()
	healthServer.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port))
	if err != nil {
		logger.Fatal("grpc listen failed", zap.Error(err))
	}

	go func() {
		logger.Info("grpc server listening", zap.String("addr", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Fatal("grpc serve failed", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go logErrors(ctx, obs, logger)

	// 启动观察器；失败时由下一个订阅者重试
	if err := obs.Observe(ctx); err != nil {
		logger.Error("observer startup failed, will retry on next subscription", zap.Error(err))
	}

	// 启动 HTTP Server
	router := gin.New()
	router.Use(gin.Recovery())
	setupRoutes(router, cfg, logger, obs, store)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http serve failed", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down servers...")

	// 先停观察器：关闭事件流，SSE/websocket 连接随之结束
	obs.Stop()
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	grpcServer.GracefulStop()
	logger.Info("servers stopped")
}

// newSource builds the configured change source. store is non-nil only for
// the in-memory source.
func newSource(cfg *config.Config, logger *zap.Logger) (source.Source, *memory.Store, func()) {
	switch cfg.Source.Kind {
	case config.SourcePostgres:
		pg := postgres.NewSource(cfg.PostgresConfig(), logger.Named("postgres"))
		return pg, nil, pg.Close
	case config.SourceMemory:
		store := memory.NewStore(nil, logger.Named("memory"))
		return store, store, func() {}
	default:
		return salesforce.NewClient(cfg.SalesforceConfig(), logger.Named("salesforce")), nil, func() {}
	}
}

func setupRoutes(r *gin.Engine, cfg *config.Config, logger *zap.Logger, obs *observer.Observer, store *memory.Store) {
	h := handler.NewObserverHandler(obs, logger)

	// Health check
	r.GET("/health", h.Health)

	// API v1
	v1 := r.Group("/api/v1")
	if cfg.Auth.Enabled {
		clients := make([]auth.ClientInfo, 0, len(cfg.Auth.Credentials))
		for _, cred := range cfg.Auth.Credentials {
			clients = append(clients, auth.ClientInfo{AccessKey: cred.AccessKey, SecretKey: cred.SecretKey, Name: cred.Name})
		}
		v1.Use(auth.NewAKSKAuth(auth.NewStaticStore(clients...)).Middleware(logger))
	}
	h.RegisterRoutes(v1)

	// 内存数据源：演示用的记录写入接口
	if store != nil {
		handler.NewRecordHandler(store, cfg.Observer.EntityName, logger).RegisterRoutes(v1)
	}
}

func logErrors(ctx context.Context, obs *observer.Observer, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-obs.Errors():
			logger.Warn("observer error", zap.Error(err))
		}
	}
}

func initLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(parseLogLevel(level))
	return config.Build()
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
