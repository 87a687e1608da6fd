package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"peercall-backend/pkg/env"
)

// Signaling backends accepted by SIGNALING_BACKEND
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendMongo     = "mongodb"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Identity  IdentityConfig
	Signaling SignalingConfig
	Call      CallConfig
	ICE       ICEConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Firestore FirestoreConfig
	Mongo     MongoConfig
	Push      PushConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
}

// IdentityConfig describes the participant this agent acts for.
// The token is issued by the identity provider and verified with Secret.
type IdentityConfig struct {
	Token  string
	Secret string
}

// SignalingConfig selects the conversation store and tunes signaling writes
type SignalingConfig struct {
	Backend         string
	WriteTimeout    time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMaxElapsed time.Duration
}

// CallConfig holds call session policy
type CallConfig struct {
	WatchPeers    []string
	RingTimeout    time.Duration // 0 disables the ring timeout
	StaleRecordAge time.Duration
	EventBuffer    int
	TombstoneSize  int
}

// ICEConfig holds peer connection transport settings
type ICEConfig struct {
	Servers             []webrtc.ICEServer
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// DatabaseConfig holds CockroachDB configuration for the call log
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	PoolSize  int
	Timeout   time.Duration
	KeyPrefix string
}

// FirestoreConfig holds Firebase project settings
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

// MongoConfig holds MongoDB configuration
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// PushConfig controls incoming-call wake-up notifications
type PushConfig struct {
	Enabled bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	iceServers, err := parseICEServersFromValues(
		env.GetString(envICEServersJSON, ""),
		env.GetString(envStunURLs, defaultStunURLs),
		env.GetString(envTurnURLs, ""),
		env.GetString(envTurnUsername, ""),
		env.GetStringFromFile(envTurnCredential, ""),
	)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8085),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-service"),
			AllowedOrigins: env.GetList("CORS_ALLOWED_ORIGINS", nil),
		},
		Identity: IdentityConfig{
			Token:  env.GetStringFromFile("IDENTITY_TOKEN", ""),
			Secret: env.GetStringFromFile("JWT_SECRET", ""),
		},
		Signaling: SignalingConfig{
			Backend:         strings.ToLower(env.GetString("SIGNALING_BACKEND", BackendMemory)),
			WriteTimeout:    env.GetDuration("SIGNALING_WRITE_TIMEOUT", 5*time.Second),
			RetryBaseDelay:  env.GetDuration("SIGNALING_RETRY_BASE_DELAY", 100*time.Millisecond),
			RetryMaxDelay:   env.GetDuration("SIGNALING_RETRY_MAX_DELAY", 2*time.Second),
			RetryMaxElapsed: env.GetDuration("SIGNALING_RETRY_MAX_ELAPSED", 10*time.Second),
		},
		Call: CallConfig{
			WatchPeers:     env.GetList("CALL_WATCH_PEERS", nil),
			RingTimeout:    env.GetDuration("CALL_RING_TIMEOUT", 0),
			StaleRecordAge: env.GetDuration("CALL_STALE_RECORD_AGE", 2*time.Minute),
			EventBuffer:    env.GetInt("CALL_EVENT_BUFFER", 64),
			TombstoneSize:  env.GetInt("CALL_TOMBSTONE_SIZE", 256),
		},
		ICE: ICEConfig{
			Servers:             iceServers,
			DisconnectedTimeout: env.GetDuration("ICE_DISCONNECTED_TIMEOUT", 30*time.Second),
			FailedTimeout:       env.GetDuration("ICE_FAILED_TIMEOUT", 120*time.Second),
			KeepAliveInterval:   env.GetDuration("ICE_KEEPALIVE_INTERVAL", 2*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:  env.GetBool("CALL_LOG_ENABLED", false),
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "peercall"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 10),
			MinConns: env.GetInt("DB_MIN_CONNS", 1),
		},
		Redis: RedisConfig{
			Host:      env.GetString("REDIS_HOST", "localhost"),
			Port:      env.GetInt("REDIS_PORT", 6379),
			Password:  env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:        env.GetInt("REDIS_DB", 0),
			PoolSize:  env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:   time.Duration(env.GetInt("REDIS_TIMEOUT", 5)) * time.Second,
			KeyPrefix: env.GetString("REDIS_KEY_PREFIX", "chats"),
		},
		Firestore: FirestoreConfig{
			ProjectID:       env.GetString("FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
			Collection:      env.GetString("FIRESTORE_COLLECTION", "chats"),
		},
		Mongo: MongoConfig{
			URI:        env.GetStringFromFile("MONGO_URI", "mongodb://localhost:27017"),
			Database:   env.GetString("MONGO_DATABASE", "peercall"),
			Collection: env.GetString("MONGO_COLLECTION", "chats"),
			Timeout:    env.GetDuration("MONGO_TIMEOUT", 10*time.Second),
		},
		Push: PushConfig{
			Enabled: env.GetBool("PUSH_ENABLED", false),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/call-service.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Signaling.Backend {
	case BackendMemory, BackendRedis, BackendFirestore, BackendMongo:
	default:
		return fmt.Errorf("SIGNALING_BACKEND %q is not supported", c.Signaling.Backend)
	}

	if c.Identity.Token == "" {
		return fmt.Errorf("IDENTITY_TOKEN must be set")
	}
	if c.Identity.Secret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.Server.Environment == "production" && len(c.Identity.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	if c.Signaling.Backend == BackendFirestore && c.Firestore.ProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID must be set for the firestore backend")
	}
	if c.Push.Enabled && c.Firestore.ProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID must be set when PUSH_ENABLED is true")
	}
	if c.Signaling.RetryBaseDelay <= 0 || c.Signaling.RetryMaxDelay < c.Signaling.RetryBaseDelay {
		return fmt.Errorf("SIGNALING_RETRY_MAX_DELAY must be >= SIGNALING_RETRY_BASE_DELAY > 0")
	}
	if c.Call.RingTimeout < 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must not be negative")
	}
	if c.Call.StaleRecordAge <= 0 {
		return fmt.Errorf("CALL_STALE_RECORD_AGE must be positive")
	}
	if c.Call.EventBuffer <= 0 {
		return fmt.Errorf("CALL_EVENT_BUFFER must be positive")
	}
	if c.Call.TombstoneSize <= 0 {
		return fmt.Errorf("CALL_TOMBSTONE_SIZE must be positive")
	}

	return nil
}
