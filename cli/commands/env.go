package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters/postgres"
	"github.com/AshkanYarmoradi/go-stoat/config"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// connectTimeout bounds the connectivity checks run when opening an Env.
const connectTimeout = 5 * time.Second

// ErrMemoryDriver is returned by commands that inspect persistent state when
// the configuration selects the in-memory driver.
var ErrMemoryDriver = errors.New("the memory driver keeps no state between runs")

// Env holds what a command needs: the loaded configuration, the postgres
// adapter and, on demand, a Redis client.
type Env struct {
	Config  *config.Config
	Dir     string
	Adapter *postgres.Adapter
	Logger  stoat.Logger

	redis *goredis.Client
}

// configPath returns the value of the --config flag.
func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil {
		return f.Value.String()
	}
	return ""
}

// loadConfig reads the file named by --config, or searches for stoat.yaml
// from the working directory upwards. It returns the config and its directory.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	if path := configPath(cmd); path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, filepath.Dir(path), nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	dir, cfg, err := config.FindConfig(cwd)
	if err != nil {
		return nil, cwd, fmt.Errorf("no %s found: %w", config.ConfigFileName, err)
	}
	return cfg, dir, nil
}

// openEnv loads the configuration and connects to its postgres database.
func openEnv(cmd *cobra.Command) (*Env, error) {
	cfg, dir, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "memory" {
		return nil, ErrMemoryDriver
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is empty (is DATABASE_URL set?)")
	}

	adapter, err := postgres.NewAdapter(cfg.Database.URL, postgres.WithSchema(cfg.Database.Schema))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), connectTimeout)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &Env{
		Config:  cfg,
		Dir:     dir,
		Adapter: adapter,
		Logger:  stoat.NewSlogLogger(cfg.Logger(cmd.ErrOrStderr())),
	}, nil
}

// Redis returns a client for the configured Redis scheduler, connecting on
// first use.
func (e *Env) Redis(ctx context.Context) (*goredis.Client, error) {
	if e.redis != nil {
		return e.redis, nil
	}
	if e.Config.Scheduler.Kind != config.SchedulerRedis {
		return nil, fmt.Errorf("scheduler.kind is %q, not %q", e.Config.Scheduler.Kind, config.SchedulerRedis)
	}

	client, err := newRedisClient(ctx, e.Config.Scheduler.Redis)
	if err != nil {
		return nil, err
	}
	e.redis = client
	return client, nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Close releases the database and Redis connections.
func (e *Env) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Adapter != nil {
		_ = e.Adapter.Close()
	}
}

// commandContext returns the command's context or a background context.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// isTerminal reports whether f writes to a character device.
func isTerminal(w interface{}) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
