package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall-backend/internal/database"
	"peercall-backend/internal/domain"
	callHandler "peercall-backend/internal/handler/http/call"
	"peercall-backend/internal/media/pion"
	"peercall-backend/internal/middleware"
	"peercall-backend/internal/repository/cockroach"
	callService "peercall-backend/internal/service/call"
	"peercall-backend/pkg/config"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/jwt"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/push"
	"peercall-backend/pkg/resilience"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
		Service:  cfg.Server.ServiceName,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Resolve the local participant from the identity token
	jwtManager := jwt.NewJWTManager(cfg.Identity.Secret, time.Hour)
	claims, err := jwtManager.ValidateToken(cfg.Identity.Token)
	if err != nil {
		logger.Fatal("Invalid IDENTITY_TOKEN", zap.Error(err))
	}
	self := domain.Participant{ID: claims.UserID, Name: claims.DisplayName}

	var cleanup closers
	defer cleanup.run()

	// 3. Conversation store
	fb := &firebaseApp{cfg: &cfg.Firestore}
	channel, storeReady, err := openSignaling(ctx, cfg, fb, &cleanup)
	if err != nil {
		logger.Fatal("Failed to open signaling backend",
			zap.String("backend", cfg.Signaling.Backend),
			zap.Error(err))
	}

	// 4. Media engine
	engines, err := pion.NewFactory(pion.Config{
		ICEServers:          cfg.ICE.Servers,
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepAliveInterval:   cfg.ICE.KeepAliveInterval,
	})
	if err != nil {
		logger.Fatal("Failed to create media engine factory", zap.Error(err))
	}

	opts := callService.Options{
		RingTimeout:    cfg.Call.RingTimeout,
		StaleRecordAge: cfg.Call.StaleRecordAge,
		EventBuffer:    cfg.Call.EventBuffer,
		TombstoneSize:  cfg.Call.TombstoneSize,
		WriteTimeout:   cfg.Signaling.WriteTimeout,
		Backend:        cfg.Signaling.Backend,
		Retry: resilience.Policy{
			BaseDelay:        cfg.Signaling.RetryBaseDelay,
			MaxDelay:         cfg.Signaling.RetryMaxDelay,
			MaxElapsed:       cfg.Signaling.RetryMaxElapsed,
			AttemptTimeout:   cfg.Signaling.WriteTimeout,
			FailureThreshold: 5,
			CoolDown:         10 * time.Second,
		},
	}

	// 5. Optional call log
	var history callHandler.HistoryReader
	if cfg.Database.Enabled {
		dbConfig := database.DefaultDBConfig()
		dbConfig.MaxConns = cfg.Database.MaxConns
		dbConfig.MinConns = cfg.Database.MinConns

		connString := database.ConnString(cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
			cfg.Database.Password, cfg.Database.Database, cfg.Database.SSLMode)
		db, err := database.NewDB(ctx, connString, dbConfig)
		if err != nil {
			logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
		}
		cleanup.add(func() { _ = db.Close() })

		callLogs := cockroach.NewCallLogRepository(db.Pool)
		if err := callLogs.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare call log schema", zap.Error(err))
		}
		opts.CallLog = callLogs
		history = callLogs
		logger.Info("Call log enabled", zap.String("host", cfg.Database.Host))
	}

	// 6. Optional incoming-call push
	if cfg.Push.Enabled {
		app, err := fb.get(ctx)
		if err != nil {
			logger.Fatal("Failed to initialize Firebase", zap.Error(err))
		}
		provider, err := push.NewFirebaseProvider(ctx, app)
		if err != nil {
			logger.Fatal("Failed to initialize FCM", zap.Error(err))
		}
		opts.Notifier = callService.NewPushNotifier(push.NewService(provider))
		logger.Info("Incoming-call push enabled")
	}

	// 7. Call manager
	manager, err := callService.NewManager(self, channel, engines, opts)
	if err != nil {
		logger.Fatal("Failed to start call manager", zap.Error(err))
	}

	for _, peerID := range cfg.Call.WatchPeers {
		key, err := manager.Watch(ctx, domain.Participant{ID: peerID})
		if err != nil {
			logger.Warn("Failed to watch conversation", zap.String("peer_id", peerID), zap.Error(err))
			continue
		}
		logger.Info("Watching conversation", zap.String("conversation_key", key))
	}

	// 8. HTTP surface
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = middleware.DefaultAllowedOrigins
	}

	router := newRouter(routerConfig{
		serviceName: cfg.Server.ServiceName,
		origins:     origins,
		jwt:         jwtManager,
		calls:       manager,
		history:     history,
		metrics:     metrics.NewMetrics(cfg.Server.ServiceName),
		ready:       storeReady,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("participant_id", self.ID),
			zap.String("signaling_backend", cfg.Signaling.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down call service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("Call manager shutdown incomplete", zap.Error(err))
	}
}
