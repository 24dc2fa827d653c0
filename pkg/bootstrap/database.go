package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"cdcstream/internal/config"
	"cdcstream/internal/logger"
)

type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

// InitRedis connects to the session store. It returns nil without error
// when no Redis host is configured.
func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	if !dc.Config.Database.Redis.Configured() {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", dc.Config.Database.Redis.Host, dc.Config.Database.Redis.Port),
		Password: dc.Config.Database.Redis.Password,
		DB:       dc.Config.Database.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.Infow("Redis connected successfully",
		"host", dc.Config.Database.Redis.Host,
		"db", dc.Config.Database.Redis.DB,
	)
	return rdb, nil
}

func (dc *DatabaseConnector) ShutdownDatabases(_ context.Context, rdb *redis.Client) []error {
	var errs []error

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	return errs
}
