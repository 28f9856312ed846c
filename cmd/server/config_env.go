package main

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/openkiln/uploadflow/pkg/uploadflow/config"
)

type envConfig struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`

	DatabaseType string `env:"DATABASE_TYPE" env-default:"memory"`
	DatabaseURL  string `env:"DATABASE_URL"`

	StorageBackend string `env:"STORAGE_BACKEND" env-default:"memory"`
	FSBaseDir      string `env:"FS_BASE_DIR"`

	S3Region          string `env:"S3_REGION"`
	S3Bucket          string `env:"S3_BUCKET"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3UsePathStyle    bool   `env:"S3_USE_PATH_STYLE"`

	PublicBaseURL  string `env:"PUBLIC_BASE_URL"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES"`
	JWTSecret      string `env:"JWT_SECRET"`

	UploadTTL       time.Duration `env:"UPLOAD_TTL" env-default:"1h"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" env-default:"5m"`
}

// loadConfigFromEnv reads process environment variables into a validated
// server configuration.
func loadConfigFromEnv() (*config.ServerConfig, error) {
	var env envConfig
	if err := cleanenv.ReadEnv(&env); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	opts := []config.Option{
		config.WithPort(env.Port),
		config.WithEnvironment(env.Environment),
		config.WithDatabase(env.DatabaseType, env.DatabaseURL),
		config.WithPublicBaseURL(env.PublicBaseURL),
		config.WithMaxUploadBytes(env.MaxUploadBytes),
		config.WithJWTSecret(env.JWTSecret),
		config.WithJanitor(env.UploadTTL, env.JanitorInterval),
	}

	switch env.StorageBackend {
	case "fs":
		opts = append(opts, config.WithFSStorage(env.FSBaseDir))
	case "s3":
		opts = append(opts, config.WithS3Storage(config.S3Config{
			Region:          env.S3Region,
			Bucket:          env.S3Bucket,
			AccessKeyID:     env.S3AccessKeyID,
			SecretAccessKey: env.S3SecretAccessKey,
			Endpoint:        env.S3Endpoint,
			UsePathStyle:    env.S3UsePathStyle,
		}))
	}

	return config.Load(opts...)
}
