package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
)

// Config holds environment-driven process settings. Trading parameters live
// in the versioned Snapshot instead.
type Config struct {
	Port     string
	GRPCPort string
	LogLevel string
	LogFile  string

	InstanceID string

	// Storage
	DBPath       string
	LedgerPath   string
	WALDir       string
	IncidentDir  string
	SnapshotPath string

	// Leadership
	LeaseStore   string // "sqlite" (default), "postgres", "memory"
	LeaseDSN     string
	LeaseName    string
	LeaseTTL     time.Duration
	LeaseRenew   time.Duration
	LeaseTimeout time.Duration

	// Readiness
	MarketDataStaleAfter  time.Duration
	OrderStreamStaleAfter time.Duration

	ReconcileInterval time.Duration

	// Auth
	JWTSecret        string
	LiveConfirmToken string
	CORSOrigins      []string

	// Broker
	BrokerRateLimit float64
	BrokerBurst     int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	instanceID := getEnv("INSTANCE_ID", "")
	if instanceID == "" {
		instanceID = defaultInstanceID()
	}

	return &Config{
		Port:                  getEnv("PORT", "8080"),
		GRPCPort:              getEnv("GRPC_PORT", "9090"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFile:               os.Getenv("LOG_FILE"),
		InstanceID:            instanceID,
		DBPath:                getEnv("DB_PATH", "./data/execution.db"),
		LedgerPath:            getEnv("LEDGER_PATH", "./data/ledger"),
		WALDir:                getEnv("WAL_DIR", "./data/wal"),
		IncidentDir:           getEnv("INCIDENT_DIR", "./data/incidents"),
		SnapshotPath:          getEnv("ENGINE_CONFIG", "./config/engine.yaml"),
		LeaseStore:            strings.ToLower(getEnv("LEASE_STORE", "sqlite")),
		LeaseDSN:              os.Getenv("LEASE_DSN"),
		LeaseName:             getEnv("LEASE_NAME", "execution-core"),
		LeaseTTL:              getEnvDuration("LEASE_TTL", 10*time.Second),
		LeaseRenew:            getEnvDuration("LEASE_RENEW_EVERY", 3*time.Second),
		LeaseTimeout:          getEnvDuration("LEASE_CALL_TIMEOUT", 2*time.Second),
		MarketDataStaleAfter:  getEnvDuration("MARKET_DATA_STALE_AFTER", 5*time.Second),
		OrderStreamStaleAfter: getEnvDuration("ORDER_STREAM_STALE_AFTER", 15*time.Second),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
		LiveConfirmToken:      os.Getenv("LIVE_CONFIRM_TOKEN"),
		CORSOrigins:           getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		BrokerRateLimit:       getEnvFloat("BROKER_RATE_LIMIT", 10),
		BrokerBurst:           getEnvInt("BROKER_BURST", 20),
	}, nil
}

func defaultInstanceID() string {
	id, err := machineid.ProtectedID("execution-core")
	if err != nil || id == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "unknown"
		}
		return host + "-" + strconv.Itoa(os.Getpid())
	}
	// Two processes on one host still need distinct identities.
	return id[:12] + "-" + strconv.Itoa(os.Getpid())
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
