package config

import (
	"WalkGuard/pkg/cache"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/notification"
	"WalkGuard/pkg/storage"
	"WalkGuard/pkg/util"
	"log"
	"os"
	"time"
)

type Config struct {
	DBDriver        string `env:"DB_DRIVER"`
	DSN             string `env:"DSN"`
	Log             logger.LogConfig
	Cache           cache.Config
	Media           storage.Config
	Notification    notification.Config
	Addr            string `env:"ADDR"`
	Mode            string `env:"MODE"`
	APIPrefix       string `env:"API_PREFIX"`
	APISecretKey    string `env:"API_SECRET_KEY"`
	TokenTTL        time.Duration
	DefaultLanguage string `env:"DEFAULT_LANGUAGE"`
	RateLimit       string `env:"RATE_LIMIT"`
	BroadcastDriver string `env:"BROADCAST_DRIVER"`
	Safety          SafetyConfig
}

// SafetyConfig holds the walk/SOS policy knobs
type SafetyConfig struct {
	Timezone             *time.Location
	DailySessionQuota    int           `env:"DAILY_SESSION_QUOTA"`
	EscalationDelay      time.Duration `env:"ESCALATION_DELAY_SECONDS"`
	ReconcileSchedule    string        `env:"RECONCILE_SCHEDULE"`
	SessionSweepSchedule string        `env:"SESSION_SWEEP_SCHEDULE"`
}

var GlobalConfig *Config

func Load() error {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	if err := util.LoadEnv(env); err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	GlobalConfig = FromEnv()
	return nil
}

// FromEnv assembles a Config from the current process environment
func FromEnv() *Config {
	tz, err := time.LoadLocation(util.GetEnvDefault("TIMEZONE", "Local"))
	if err != nil {
		log.Printf("invalid TIMEZONE, falling back to Local: %v", err)
		tz = time.Local
	}

	return &Config{
		DBDriver:        util.GetEnv("DB_DRIVER"),
		DSN:             util.GetEnvDefault("DSN", "walkguard.db"),
		Addr:            util.GetEnvDefault("ADDR", ":8080"),
		Mode:            util.GetEnvDefault("MODE", "development"),
		APIPrefix:       util.GetEnvDefault("API_PREFIX", "/api"),
		APISecretKey:    util.GetEnv("API_SECRET_KEY"),
		TokenTTL:        util.GetDurationEnv("TOKEN_TTL", 24*time.Hour),
		DefaultLanguage: util.GetEnvDefault("DEFAULT_LANGUAGE", "en"),
		RateLimit:       util.GetEnvDefault("RATE_LIMIT", "120-M"),
		BroadcastDriver: util.GetEnvDefault("BROADCAST_DRIVER", "local"),
		Log: logger.LogConfig{
			Level:      util.GetEnv("LOG_LEVEL"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		Cache: cache.Config{
			Type: util.GetEnvDefault("CACHE_TYPE", "local"),
			Redis: cache.RedisConfig{
				Addr:         util.GetEnvDefault("REDIS_ADDR", "localhost:6379"),
				Password:     util.GetEnv("REDIS_PASSWORD"),
				DB:           int(util.GetIntEnv("REDIS_DB")),
				PoolSize:     int(util.GetIntEnvDefault("REDIS_POOL_SIZE", 10)),
				MinIdleConns: int(util.GetIntEnvDefault("REDIS_MIN_IDLE_CONNS", 2)),
				DialTimeout:  util.GetDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
				ReadTimeout:  util.GetDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
				WriteTimeout: util.GetDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
			},
			Local: cache.LocalConfig{
				MaxSize:           int(util.GetIntEnvDefault("LOCAL_CACHE_MAX_SIZE", 10000)),
				DefaultExpiration: util.GetDurationEnv("LOCAL_CACHE_DEFAULT_EXPIRATION", 5*time.Minute),
				CleanupInterval:   util.GetDurationEnv("LOCAL_CACHE_CLEANUP_INTERVAL", 10*time.Minute),
			},
		},
		Media: storage.Config{
			Driver: util.GetEnvDefault("MEDIA_DRIVER", "minio"),
			Minio: storage.MinioConfig{
				Endpoint:  util.GetEnv("MINIO_ENDPOINT"),
				AccessKey: util.GetEnv("MINIO_ACCESS_KEY"),
				SecretKey: util.GetEnv("MINIO_SECRET_KEY"),
				Bucket:    util.GetEnvDefault("MINIO_BUCKET", "sos-media"),
				UseSSL:    util.GetBoolEnv("MINIO_USE_SSL"),
			},
			COS: storage.COSConfig{
				BucketURL: util.GetEnv("COS_BUCKET_URL"),
				SecretID:  util.GetEnv("COS_SECRET_ID"),
				SecretKey: util.GetEnv("COS_SECRET_KEY"),
			},
		},
		Notification: notification.Config{
			SMSGatewayURL:    util.GetEnv("SMS_GATEWAY_URL"),
			SMSAPIKey:        util.GetEnv("SMS_API_KEY"),
			SMSSender:        util.GetEnvDefault("SMS_SENDER", "WalkGuard"),
			PoliceWebhookURL: util.GetEnv("POLICE_WEBHOOK_URL"),
			PoliceAPIKey:     util.GetEnv("POLICE_API_KEY"),
			Timeout:          util.GetDurationEnv("NOTIFY_TIMEOUT", 10*time.Second),
		},
		Safety: SafetyConfig{
			Timezone:             tz,
			DailySessionQuota:    int(util.GetIntEnvDefault("DAILY_SESSION_QUOTA", 2)),
			EscalationDelay:      util.GetDurationEnv("ESCALATION_DELAY_SECONDS", 90*time.Second),
			ReconcileSchedule:    util.GetEnvDefault("RECONCILE_SCHEDULE", "@every 15s"),
			SessionSweepSchedule: util.GetEnvDefault("SESSION_SWEEP_SCHEDULE", "@every 30s"),
		},
	}
}
