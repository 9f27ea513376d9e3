package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Otel struct {
		Endpoint string `mapstructure:"ENDPOINT"`
		Insecure bool   `mapstructure:"INSECURE"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Worker struct {
		Concurrency int   `mapstructure:"CONCURRENCY"`
		NodeID      int64 `mapstructure:"NODE_ID"`
	} `mapstructure:"WORKER"`
	SMS struct {
		BaseURL   string        `mapstructure:"BASE_URL"`
		APIKey    string        `mapstructure:"API_KEY"`
		Sender    string        `mapstructure:"SENDER"`
		RateLimit int           `mapstructure:"RATE_LIMIT"`
		Timeout   time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"SMS"`
	Campaign struct {
		BatchSize     int           `mapstructure:"BATCH_SIZE"`
		ClaimTTL      time.Duration `mapstructure:"CLAIM_TTL"`
		SentMarkerTTL time.Duration `mapstructure:"SENT_MARKER_TTL"`
		RepairTTL     time.Duration `mapstructure:"REPAIR_TTL"`
	} `mapstructure:"CAMPAIGN"`
	Reconcile struct {
		Interval          time.Duration `mapstructure:"INTERVAL"`
		StaleAfter        time.Duration `mapstructure:"STALE_AFTER"`
		Cooldown          time.Duration `mapstructure:"COOLDOWN"`
		ReservationMaxAge time.Duration `mapstructure:"RESERVATION_MAX_AGE"`
	} `mapstructure:"RECONCILE"`
	Links struct {
		BaseURL           string `mapstructure:"BASE_URL"`
		UnsubscribeSecret string `mapstructure:"UNSUBSCRIBE_SECRET"`
	} `mapstructure:"LINKS"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	setDefaults(config)

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := applyVaultSecrets(context.Background(), p.Vault, &cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("WORKER.CONCURRENCY", 10)
	v.SetDefault("SMS.RATE_LIMIT", 50)
	v.SetDefault("SMS.TIMEOUT", 15*time.Second)
	v.SetDefault("CAMPAIGN.BATCH_SIZE", 100)
	v.SetDefault("CAMPAIGN.CLAIM_TTL", 15*time.Minute)
	v.SetDefault("CAMPAIGN.SENT_MARKER_TTL", 30*24*time.Hour)
	v.SetDefault("CAMPAIGN.REPAIR_TTL", 24*time.Hour)
	v.SetDefault("RECONCILE.INTERVAL", 5*time.Minute)
	v.SetDefault("RECONCILE.STALE_AFTER", 15*time.Minute)
	v.SetDefault("RECONCILE.COOLDOWN", 180*time.Second)
	v.SetDefault("RECONCILE.RESERVATION_MAX_AGE", 48*time.Hour)
}

func applyVaultSecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.SMS.APIKey = get("sms_api_key", cfg.SMS.APIKey)
	cfg.Links.UnsubscribeSecret = get("unsubscribe_secret", cfg.Links.UnsubscribeSecret)

	zap.L().Info("Success Get Secret")
	return nil
}
