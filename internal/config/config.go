// Package config loads application configuration from environment
// variables, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.
type Config struct {
	Env       string // APP_ENV (dev, test, prod)
	Port      string // APP_PORT
	DBDriver  string // DB_DRIVER: mysql or sqlite3
	DBUser    string // DB_USER
	DBPass    string // DB_PASS (may be empty)
	DBHost    string // DB_HOST
	DBPort    string // DB_PORT
	DBName    string // DB_NAME; the file path for sqlite3
	JWTSecret string // JWT_SECRET signs end-user access tokens
	JobToken  string // JOB_TOKEN authorizes scheduled job endpoints
	// CredentialKey is the base64 encoded 32 byte key sealing stored POS
	// secrets (CREDENTIAL_KEY).
	CredentialKey string

	Rotation  RotationConfig
	Breaker   BreakerConfig
	Sync      SyncConfig
	Providers ProvidersConfig
	Alerts    AlertConfig
}

// RotationConfig tunes the batch rotation job and on-demand rotations.
type RotationConfig struct {
	BatchLimit int           // ROTATION_BATCH_LIMIT
	Cooldown   time.Duration // ROTATION_COOLDOWN
	Window     time.Duration // ROTATION_WINDOW
	Timeout    time.Duration // ROTATION_TIMEOUT, bound of an on-demand rotation
}

// BreakerConfig tunes the circuit breakers guarding provider calls.
type BreakerConfig struct {
	Threshold      int           // BREAKER_THRESHOLD
	Cooldown       time.Duration // BREAKER_COOLDOWN
	Trials         int           // BREAKER_TRIALS
	Escalation     float64       // BREAKER_ESCALATION
	MaxCooldown    time.Duration // BREAKER_MAX_COOLDOWN
	TrialTimeout   time.Duration // BREAKER_TRIAL_TIMEOUT; 0 reclaims trials after Cooldown
	LocationScoped bool          // BREAKER_LOCATION_SCOPED
	Store          string        // BREAKER_STORE: sql or redis
}

// SyncConfig tunes the daily sales sync: retries with exponential backoff
// per location and how many locations run at once.
type SyncConfig struct {
	Retries     int           // SYNC_RETRIES
	BaseDelay   time.Duration // SYNC_BASE_DELAY
	MaxDelay    time.Duration // SYNC_MAX_DELAY
	Concurrency int           // SYNC_CONCURRENCY
	MaxPages    int           // SYNC_MAX_PAGES
}

// ProvidersConfig lists the enabled POS adapters, their endpoints and OAuth
// client credentials, and the timeout of each kind of outbound call.
type ProvidersConfig struct {
	Enabled         []string      // PROVIDERS, comma separated
	FetchTimeout    time.Duration // PROVIDER_FETCH_TIMEOUT
	RefreshTimeout  time.Duration // PROVIDER_REFRESH_TIMEOUT
	ValidateTimeout time.Duration // PROVIDER_VALIDATE_TIMEOUT

	SquareBaseURL      string // SQUARE_BASE_URL
	SquareClientID     string // SQUARE_CLIENT_ID
	SquareClientSecret string // SQUARE_CLIENT_SECRET

	LightspeedBaseURL      string // LIGHTSPEED_BASE_URL
	LightspeedAuthURL      string // LIGHTSPEED_AUTH_URL
	LightspeedClientID     string // LIGHTSPEED_CLIENT_ID
	LightspeedClientSecret string // LIGHTSPEED_CLIENT_SECRET

	SimulatorBaseURL string // SIMULATOR_BASE_URL
}

// AlertConfig controls alert suppression, the failure monitor threshold and
// the optional RabbitMQ transport.
type AlertConfig struct {
	Cooldown         time.Duration // ALERT_COOLDOWN
	FailureThreshold int           // FAILURE_ALERT_THRESHOLD
	RabbitURL        string        // RABBITMQ_URL (AMQP_URL accepted); empty disables publishing
	Queue            string        // ALERT_QUEUE
}

// Load reads .env when present and then the environment.  Missing required
// variables are reported together.
func Load() (Config, error) {
	// Load .env if it exists.  Errors are ignored because production
	// deployments set the environment directly.
	_ = godotenv.Load()

	// must records a missing required key instead of failing at once, so one
	// run reports every missing variable.
	var missing []string
	must := func(key string) string {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			missing = append(missing, key)
		}
		return v
	}

	// Optional values fall back to production defaults.
	c := Config{
		Env:           envStr("APP_ENV", "dev"),
		Port:          envStr("APP_PORT", "8080"),
		DBDriver:      envStr("DB_DRIVER", "mysql"),
		DBPass:        os.Getenv("DB_PASS"),
		JWTSecret:     must("JWT_SECRET"),
		JobToken:      must("JOB_TOKEN"),
		CredentialKey: must("CREDENTIAL_KEY"),
		Rotation: RotationConfig{
			BatchLimit: envInt("ROTATION_BATCH_LIMIT", 50),
			Cooldown:   envDur("ROTATION_COOLDOWN", 4*time.Hour),
			Window:     envDur("ROTATION_WINDOW", 72*time.Hour),
			Timeout:    envDur("ROTATION_TIMEOUT", time.Minute),
		},
		Breaker: BreakerConfig{
			Threshold:      envInt("BREAKER_THRESHOLD", 5),
			Cooldown:       envDur("BREAKER_COOLDOWN", 15*time.Minute),
			Trials:         envInt("BREAKER_TRIALS", 1),
			Escalation:     envFloat("BREAKER_ESCALATION", 1),
			MaxCooldown:    envDur("BREAKER_MAX_COOLDOWN", 0),
			TrialTimeout:   envDur("BREAKER_TRIAL_TIMEOUT", 0),
			LocationScoped: envBool("BREAKER_LOCATION_SCOPED", false),
			Store:          envStr("BREAKER_STORE", "sql"),
		},
		Sync: SyncConfig{
			Retries:     envInt("SYNC_RETRIES", 3),
			BaseDelay:   envDur("SYNC_BASE_DELAY", 2*time.Second),
			MaxDelay:    envDur("SYNC_MAX_DELAY", 30*time.Second),
			Concurrency: envInt("SYNC_CONCURRENCY", 4),
			MaxPages:    envInt("SYNC_MAX_PAGES", 500),
		},
		Providers: ProvidersConfig{
			Enabled:                splitList(envStr("PROVIDERS", "square,lightspeed")),
			FetchTimeout:           envDur("PROVIDER_FETCH_TIMEOUT", 30*time.Second),
			RefreshTimeout:         envDur("PROVIDER_REFRESH_TIMEOUT", 30*time.Second),
			ValidateTimeout:        envDur("PROVIDER_VALIDATE_TIMEOUT", 10*time.Second),
			SquareBaseURL:          envStr("SQUARE_BASE_URL", "https://connect.squareup.com"),
			SquareClientID:         os.Getenv("SQUARE_CLIENT_ID"),
			SquareClientSecret:     os.Getenv("SQUARE_CLIENT_SECRET"),
			LightspeedBaseURL:      envStr("LIGHTSPEED_BASE_URL", "https://api.lightspeedapp.com"),
			LightspeedAuthURL:      envStr("LIGHTSPEED_AUTH_URL", "https://cloud.lightspeedapp.com"),
			LightspeedClientID:     os.Getenv("LIGHTSPEED_CLIENT_ID"),
			LightspeedClientSecret: os.Getenv("LIGHTSPEED_CLIENT_SECRET"),
			SimulatorBaseURL:       os.Getenv("SIMULATOR_BASE_URL"),
		},
		Alerts: AlertConfig{
			Cooldown:         envDur("ALERT_COOLDOWN", time.Hour),
			FailureThreshold: envInt("FAILURE_ALERT_THRESHOLD", 3),
			RabbitURL:        envStr("RABBITMQ_URL", os.Getenv("AMQP_URL")),
			Queue:            envStr("ALERT_QUEUE", "poscred.alerts"),
		},
	}

	// Connection settings are only required for the driver in use; sqlite3
	// needs nothing but a file path.
	switch c.DBDriver {
	case "mysql":
		c.DBUser = must("DB_USER")
		c.DBHost = must("DB_HOST")
		c.DBPort = must("DB_PORT")
		c.DBName = must("DB_NAME")
	case "sqlite3":
		c.DBName = envStr("DB_NAME", "poscred.db")
	default:
		return c, fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.Breaker.Store != "sql" && c.Breaker.Store != "redis" {
		return c, fmt.Errorf("unsupported BREAKER_STORE %q", c.Breaker.Store)
	}
	// Report every missing required variable in one error.
	if len(missing) > 0 {
		return c, fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	return c, nil
}

// splitList parses a comma separated list, lowercasing entries and dropping
// empty ones.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
