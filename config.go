package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	configDirPathEnv     = "COMMONS_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
)

// Config is the overall application configuration: a .env file loaded
// via godotenv, then cleanenv.ReadEnv over env-tagged structs.
type Config struct {
	mode       Mode
	dbConf     DatabaseConfig
	server     ServerConfig
	authConf   AuthConfig
	gatewayCnf GatewayConfig
}

type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

// ServerConfig controls the HTTP and metrics listeners, the presence
// drop wait, and the task-payout sweeper interval. SSEKeepAlive and
// WalletLockTTL are loaded but not applied: the SSE handler uses a fixed
// 10s keep-alive and transfers use a fixed 10s wallet-lock TTL.
type ServerConfig struct {
	ListenAddr       string        `env:"COMMONS_LISTEN_ADDR" env-default:":8000"`
	MetricsAddr      string        `env:"COMMONS_METRICS_ADDR" env-default:":4242"`
	SSEKeepAlive     time.Duration `env:"COMMONS_SSE_KEEPALIVE" env-default:"10s"`
	PresenceDropWait time.Duration `env:"COMMONS_PRESENCE_DROP_WAIT" env-default:"10s"`
	SweepInterval    time.Duration `env:"COMMONS_SWEEP_INTERVAL" env-default:"30s"`
	WalletLockTTL    time.Duration `env:"COMMONS_WALLET_LOCK_TTL" env-default:"10s"`
}

// AuthConfig configures the session/JWT adapter.
type AuthConfig struct {
	JWTSigningKey string        `env:"COMMONS_JWT_SIGNING_KEY" env-default:"dev-only-signing-key-change-me"`
	LoginTokenTTL time.Duration `env:"COMMONS_LOGIN_TOKEN_TTL" env-default:"24h"`
	OTPTokenTTL   time.Duration `env:"COMMONS_OTP_TOKEN_TTL" env-default:"5m"`
}

// GatewayConfig configures the Stripe-shaped gateway bridge.
type GatewayConfig struct {
	StripeWebhookSecret    string `env:"COMMONS_STRIPE_WEBHOOK_SECRET" env-default:""`
	UnknownEndowmentUserID string `env:"COMMONS_UNKNOWN_ENDOWMENT_USER_ID" env-default:"unknown_endowment_user_id"`
}

// LoadConfig builds configuration from environment variables. The config
// dir comes from the configDirPathEnv variable (defaultConfigDirPath if
// unset); its .env file is loaded first, and variables already set in the
// process environment take precedence over the .env values.
func LoadConfig(logger Logger) (*Config, error) {
	logger = logger.NewSystem("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	dotenvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", dotenvPath)
	if err := godotenv.Load(dotenvPath); err != nil {
		logger.Warn(".env file not found, relying on process environment")
	}

	mode := Mode(os.Getenv("COMMONS_MODE"))
	if mode == "" {
		mode = ModeProduction
	} else if mode != ModeProduction && mode != ModeTest {
		logger.Fatal("invalid COMMONS_MODE value", "value", mode)
	}

	var dbConf DatabaseConfig
	if dbURL := os.Getenv("COMMONS_DATABASE_URL"); dbURL != "" {
		var err error
		dbConf, err = ParseConnectionString(dbURL)
		if err != nil {
			logger.Error("failed to parse connection string", "err", err)
			return nil, err
		}
	} else if err := cleanenv.ReadEnv(&dbConf); err != nil {
		logger.Error("failed to read database env", "err", err)
		return nil, err
	}

	var server ServerConfig
	if err := cleanenv.ReadEnv(&server); err != nil {
		logger.Error("failed to read server env", "err", err)
		return nil, err
	}

	var authConf AuthConfig
	if err := cleanenv.ReadEnv(&authConf); err != nil {
		logger.Error("failed to read auth env", "err", err)
		return nil, err
	}

	var gatewayCnf GatewayConfig
	if err := cleanenv.ReadEnv(&gatewayCnf); err != nil {
		logger.Error("failed to read gateway env", "err", err)
		return nil, err
	}

	return &Config{
		mode:       mode,
		dbConf:     dbConf,
		server:     server,
		authConf:   authConf,
		gatewayCnf: gatewayCnf,
	}, nil
}
