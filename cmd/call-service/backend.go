package main

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/database"
	firestoreRepo "peercall-backend/internal/repository/firestore"
	mongoRepo "peercall-backend/internal/repository/mongodb"
	redisRepo "peercall-backend/internal/repository/redis"
	"peercall-backend/internal/signaling"
	"peercall-backend/pkg/config"
	"peercall-backend/pkg/logger"
)

// closers are run in reverse order on shutdown
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// firebaseApp initializes the Firebase app once for Firestore and FCM
type firebaseApp struct {
	cfg *config.FirestoreConfig
	app *firebase.App
}

func (f *firebaseApp) get(ctx context.Context) (*firebase.App, error) {
	if f.app != nil {
		return f.app, nil
	}
	app, err := database.NewFirebaseApp(ctx, &database.FirebaseConfig{
		ProjectID:       f.cfg.ProjectID,
		CredentialsFile: f.cfg.CredentialsFile,
	})
	if err != nil {
		return nil, err
	}
	f.app = app
	return app, nil
}

// openSignaling connects the configured conversation store
func openSignaling(ctx context.Context, cfg *config.Config, fb *firebaseApp, cleanup *closers) (signaling.Channel, func() bool, error) {
	switch cfg.Signaling.Backend {
	case config.BackendRedis:
		database.InitRedisMetrics()
		redisDB, err := database.NewRedisDB(&database.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func() {
			if err := redisDB.Close(); err != nil {
				logger.Warn("Failed to close Redis client", zap.Error(err))
			}
		})
		redisDB.StartHealthCheck(ctx, 10*time.Second)
		logger.Info("Connected to Redis", zap.String("host", cfg.Redis.Host))
		ready := func() bool { return !redisDB.IsDegraded() }
		return redisRepo.NewSignalingRepository(redisDB, cfg.Redis.KeyPrefix), ready, nil

	case config.BackendFirestore:
		app, err := fb.get(ctx)
		if err != nil {
			return nil, nil, err
		}
		client, err := database.NewFirestoreClient(ctx, app)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func() { _ = client.Close() })
		logger.Info("Connected to Firestore",
			zap.String("project_id", cfg.Firestore.ProjectID),
			zap.String("collection", cfg.Firestore.Collection))
		return firestoreRepo.NewSignalingRepository(client, cfg.Firestore.Collection), nil, nil

	case config.BackendMongo:
		client, err := database.NewMongoClient(ctx, &database.MongoConfig{
			URI:     cfg.Mongo.URI,
			Timeout: cfg.Mongo.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func() { _ = client.Disconnect(context.Background()) })
		logger.Info("Connected to MongoDB",
			zap.String("database", cfg.Mongo.Database),
			zap.String("collection", cfg.Mongo.Collection))
		coll := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
		return mongoRepo.NewSignalingRepository(coll), nil, nil

	case config.BackendMemory:
		logger.Warn("Using in-memory signaling: calls only work between agents in this process")
		return signaling.NewMemoryChannel(), nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported signaling backend %q", cfg.Signaling.Backend)
}
