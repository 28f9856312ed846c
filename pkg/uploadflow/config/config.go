// Package config assembles a running upload server from declarative
// configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openkiln/uploadflow/pkg/uploadflow/server"
	repomem "github.com/openkiln/uploadflow/pkg/uploadflow/server/repo/memory"
	repopg "github.com/openkiln/uploadflow/pkg/uploadflow/server/repo/postgres"
	"github.com/openkiln/uploadflow/pkg/uploadflow/storage"
	fsstorage "github.com/openkiln/uploadflow/pkg/uploadflow/storage/fs"
	memorystorage "github.com/openkiln/uploadflow/pkg/uploadflow/storage/memory"
	s3storage "github.com/openkiln/uploadflow/pkg/uploadflow/storage/s3"
)

// ServerConfig describes a complete upload server deployment.
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing

	// Database configuration.
	DatabaseType string // "memory", "postgres"
	DatabaseURL  string

	// Storage configuration.
	StorageBackend string // "memory", "fs", "s3"
	FSBaseDir      string
	S3             S3Config

	// PublicBaseURL prefixes issued file URLs.
	PublicBaseURL  string
	MaxUploadBytes int64

	// JWTSecret enables token verification on the API routes when set.
	JWTSecret string

	// Janitor settings for reaping abandoned uploads.
	UploadTTL       time.Duration
	JanitorInterval time.Duration
}

// S3Config carries the S3 backend settings.
type S3Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	UsePathStyle    bool
}

// Option applies configuration on top of the defaults.
type Option func(*ServerConfig) error

// Load builds a validated ServerConfig from options.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:            "8080",
		Environment:     "development",
		DatabaseType:    "memory",
		StorageBackend:  "memory",
		UploadTTL:       time.Hour,
		JanitorInterval: 5 * time.Minute,
	}
}

// WithPort sets the listen port.
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port != "" {
			c.Port = port
		}
		return nil
	}
}

// WithEnvironment sets the deployment environment name.
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env != "" {
			c.Environment = env
		}
		return nil
	}
}

// WithDatabase selects the repository backend.
func WithDatabase(dbType, url string) Option {
	return func(c *ServerConfig) error {
		if dbType != "" {
			c.DatabaseType = dbType
		}
		c.DatabaseURL = url
		return nil
	}
}

// WithFSStorage selects the filesystem blob store.
func WithFSStorage(baseDir string) Option {
	return func(c *ServerConfig) error {
		c.StorageBackend = "fs"
		c.FSBaseDir = baseDir
		return nil
	}
}

// WithS3Storage selects the S3 blob store.
func WithS3Storage(s3 S3Config) Option {
	return func(c *ServerConfig) error {
		c.StorageBackend = "s3"
		c.S3 = s3
		return nil
	}
}

// WithPublicBaseURL sets the prefix for issued file URLs.
func WithPublicBaseURL(base string) Option {
	return func(c *ServerConfig) error {
		c.PublicBaseURL = base
		return nil
	}
}

// WithMaxUploadBytes caps accepted file sizes.
func WithMaxUploadBytes(n int64) Option {
	return func(c *ServerConfig) error {
		if n > 0 {
			c.MaxUploadBytes = n
		}
		return nil
	}
}

// WithJWTSecret enables API authentication.
func WithJWTSecret(secret string) Option {
	return func(c *ServerConfig) error {
		c.JWTSecret = secret
		return nil
	}
}

// WithJanitor tunes the stale-upload reaper.
func WithJanitor(ttl, interval time.Duration) Option {
	return func(c *ServerConfig) error {
		if ttl > 0 {
			c.UploadTTL = ttl
		}
		if interval > 0 {
			c.JanitorInterval = interval
		}
		return nil
	}
}

// Validate checks cross-field requirements.
func (c *ServerConfig) Validate() error {
	switch c.DatabaseType {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("database URL is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}

	switch c.StorageBackend {
	case "memory":
	case "fs":
		if c.FSBaseDir == "" {
			return errors.New("base directory is required for fs storage")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return errors.New("bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.StorageBackend)
	}

	if c.UploadTTL <= 0 || c.JanitorInterval <= 0 {
		return errors.New("janitor ttl and interval must be positive")
	}
	return nil
}

// Server is a fully assembled upload server.
type Server struct {
	Handler http.Handler
	Janitor *server.Janitor

	pool *pgxpool.Pool
}

// Close releases resources held by the server.
func (s *Server) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// BuildServer assembles the repository, blob store, HTTP routes, and janitor
// described by the config.
func (c *ServerConfig) BuildServer(ctx context.Context, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo, pool, err := c.buildRepository(ctx)
	if err != nil {
		return nil, err
	}
	store, err := c.buildStorage(ctx)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	handler, err := server.NewHandler(repo, store, server.Config{
		PublicBaseURL:  c.PublicBaseURL,
		MaxUploadBytes: c.MaxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	var apiMiddlewares []func(http.Handler) http.Handler
	if c.JWTSecret != "" {
		apiMiddlewares = append(apiMiddlewares, server.RequireJWT(server.NewJWTAuth(c.JWTSecret)))
	}
	r.Mount("/", handler.Routes(apiMiddlewares...))

	return &Server{
		Handler: r,
		Janitor: server.NewJanitor(repo, store, c.UploadTTL, c.JanitorInterval, logger),
		pool:    pool,
	}, nil
}

func (c *ServerConfig) buildRepository(ctx context.Context) (server.Repository, *pgxpool.Pool, error) {
	switch c.DatabaseType {
	case "memory":
		return repomem.New(), nil, nil
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse database URL: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		return repopg.NewWithPool(pool), pool, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

func (c *ServerConfig) buildStorage(ctx context.Context) (storage.BlobStore, error) {
	switch c.StorageBackend {
	case "memory":
		return memorystorage.New(), nil
	case "fs":
		return fsstorage.New(fsstorage.Config{BaseDir: c.FSBaseDir})
	case "s3":
		return s3storage.New(ctx, s3storage.Config{
			Region:          c.S3.Region,
			Bucket:          c.S3.Bucket,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
			Endpoint:        c.S3.Endpoint,
			UsePathStyle:    c.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", c.StorageBackend)
	}
}
