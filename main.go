package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"chat-realtime/internal/attachments"
	"chat-realtime/internal/auth"
	"chat-realtime/internal/config"
	"chat-realtime/internal/db"
	"chat-realtime/internal/delivery"
	grpcserver "chat-realtime/internal/grpc"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/notify"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/rabbitmq"
	"chat-realtime/internal/ratelimit"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/rooms"
	"chat-realtime/internal/storage"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("chat-realtime stopped", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	database, err := db.Connect(ctx, cfg.DatabaseDSN, log)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer database.Close()

	messageRepo := repositories.NewMessageRepo(database)
	groupRepo := repositories.NewGroupRepo(database)
	userRepo := repositories.NewUserRepo(database)

	blobs, err := newBlobStore(cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	coordinator := attachments.NewCoordinator(blobs, attachments.Limits{
		MaxFileBytes:  cfg.MaxFileBytes,
		MaxTotalBytes: cfg.MaxTotalBytes,
		MaxFiles:      cfg.MaxFiles,
	})

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Environment, log)

	tracker := rooms.NewTracker(groupRepo, log)
	registry := presence.NewRegistry(tracker, log)
	notifier := notify.NewNotifier(registry, log)

	deps := delivery.Deps{
		Messages:    messageRepo,
		Users:       userRepo,
		Groups:      groupRepo,
		Attachments: coordinator,
		Presence:    registry,
		Rooms:       tracker,
		Notifier:    notifier,
		Audit:       audit,
		Log:         log,
	}
	if cfg.RateLimitEnabled() {
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RateLimitPrefix, cfg.SendRateLimit, cfg.SendRateWindow)
		if err != nil {
			return fmt.Errorf("init rate limiter: %w", err)
		}
		defer limiter.Close()
		deps.Limiter = limiter
	}
	pipeline := delivery.New(deps)

	var (
		wsValidator   ws.TokenValidator
		httpValidator middleware.TokenValidator
	)
	if cfg.AuthEnabled() {
		verifier := auth.NewVerifier(cfg.JWTSecret)
		wsValidator = verifier
		httpValidator = verifier
	} else {
		log.Warn("JWT_SECRET is empty, connections are not authenticated")
	}

	dispatcher := ws.NewDispatcher(registry, tracker, pipeline, groupRepo, log)
	wsHandler := ws.NewHandler(dispatcher, registry, wsValidator, ws.Options{
		SendBuffer:    cfg.WSSendBuffer,
		PingInterval:  cfg.WSPingInterval,
		MaxFrameBytes: cfg.WSMaxFrameSize,
	}, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	presenceHandler := handlers.NewPresenceHandler(registry)
	authMiddleware := middleware.Optional(httpValidator)

	router.GET("/ws", wsHandler.Handle)
	router.GET("/healthz", handlers.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/presence/online", authMiddleware, presenceHandler.ListOnline)
	router.GET("/presence/:user_id", authMiddleware, presenceHandler.GetUser)
	handlers.RegisterDebugRoutes(router, audit, registry, cfg.DebugRoutes)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	grpcServer := grpcserver.NewServer(log)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		grpcServer.SetServing(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown failed", slog.Any("err", err))
		}
		closed, err := wsHandler.Shutdown(shutdownCtx)
		if err != nil {
			log.Warn("websocket sessions did not drain", slog.Any("err", err))
		}
		log.Info("websocket sessions closed", slog.Int("count", closed))
		grpcServer.Stop()
		notifier.Close()

		if err := publisher.Close(); err != nil {
			log.Warn("publisher close failed", slog.Any("err", err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", slog.Any("err", err))
		}
		return nil
	})

	return g.Wait()
}

func newBlobStore(cfg config.Config) (storage.BlobStore, error) {
	if cfg.BlobBackend == config.BlobBackendMinio {
		return storage.NewMinioStore(storage.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Prefix:    cfg.MinioPrefix,
			UseSSL:    cfg.MinioUseSSL,
		})
	}
	return storage.NewFileStore(cfg.BlobDir)
}
