package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "remotelink:schema:version"
	currentSchemaVersion = 2
)

type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// v1 stored the code index as a list; sets make membership O(1).
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				typ, err := client.Type(ctx, sessionIndexKey).Result()
				if err != nil {
					return err
				}
				if typ != "list" {
					return nil
				}
				codes, err := client.LRange(ctx, sessionIndexKey, 0, -1).Result()
				if err != nil {
					return err
				}
				pipe := client.TxPipeline()
				pipe.Del(ctx, sessionIndexKey)
				if len(codes) > 0 {
					members := make([]interface{}, len(codes))
					for i, c := range codes {
						members[i] = c
					}
					pipe.SAdd(ctx, sessionIndexKey, members...)
				}
				_, err = pipe.Exec(ctx)
				return err
			},
		},
		{
			// Drop index members whose record already expired.
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				codes, err := client.SMembers(ctx, sessionIndexKey).Result()
				if err != nil {
					return err
				}
				for _, code := range codes {
					n, err := client.Exists(ctx, sessionKeyPrefix+strings.TrimSpace(code)).Result()
					if err != nil {
						return err
					}
					if n == 0 {
						client.SRem(ctx, sessionIndexKey, code)
					}
				}
				return nil
			},
		},
	}
}
