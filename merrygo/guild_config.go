package merrygo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"sync"
	"time"
)

const redisGuildConfigKeyPrefix = "merrygo:guild_config:"

// GuildConfig holds per-guild moderation settings
type GuildConfig struct {
	GuildID      string `gorm:"primaryKey" json:"guild_id"`
	LogChannelID string `json:"log_channel_id"`
	MuteRoleID   string `json:"mute_role_id"`
	ModelUnixTime
}

func (g GuildConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("log_channel_id", g.LogChannelID),
		slog.String("mute_role_id", g.MuteRoleID),
	)
}

// guildConfigCache caches GuildConfig records by guild ID. Get returns
// false on a cache miss.
type guildConfigCache interface {
	Get(ctx context.Context, guildID string) (GuildConfig, bool, error)
	Set(ctx context.Context, cfg GuildConfig) error
	Delete(ctx context.Context, guildID string) error
}

type memoryGuildConfigCache struct {
	mu      sync.RWMutex
	configs map[string]GuildConfig
}

func newMemoryGuildConfigCache() *memoryGuildConfigCache {
	return &memoryGuildConfigCache{configs: map[string]GuildConfig{}}
}

func (c *memoryGuildConfigCache) Get(_ context.Context, guildID string) (GuildConfig, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[guildID]
	return cfg, ok, nil
}

func (c *memoryGuildConfigCache) Set(_ context.Context, cfg GuildConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[cfg.GuildID] = cfg
	return nil
}

func (c *memoryGuildConfigCache) Delete(_ context.Context, guildID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.configs, guildID)
	return nil
}

// redisGuildConfigCache stores GuildConfig records as JSON, expiring
// after ttl
type redisGuildConfigCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func newRedisGuildConfigCache(client redis.UniversalClient, ttl time.Duration) *redisGuildConfigCache {
	return &redisGuildConfigCache{client: client, ttl: ttl}
}

func (*redisGuildConfigCache) key(guildID string) string {
	return redisGuildConfigKeyPrefix + guildID
}

func (c *redisGuildConfigCache) Get(ctx context.Context, guildID string) (GuildConfig, bool, error) {
	var cfg GuildConfig
	data, err := c.client.Get(ctx, c.key(guildID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, err
	}
	if err = json.Unmarshal(data, &cfg); err != nil {
		return cfg, false, fmt.Errorf("error decoding cached guild config: %w", err)
	}
	return cfg, true, nil
}

func (c *redisGuildConfigCache) Set(ctx context.Context, cfg GuildConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(cfg.GuildID), data, c.ttl).Err()
}

func (c *redisGuildConfigCache) Delete(ctx context.Context, guildID string) error {
	return c.client.Del(ctx, c.key(guildID)).Err()
}

// guildConfigStore reads GuildConfig through the cache, falling back to
// the database. A default record is created the first time a guild is
// seen.
type guildConfigStore struct {
	db      *gorm.DB
	writeDB DBI
	cache   guildConfigCache
	logger  *slog.Logger
}

func newGuildConfigStore(db *gorm.DB, writeDB DBI, cache guildConfigCache, logger *slog.Logger) *guildConfigStore {
	if cache == nil {
		cache = newMemoryGuildConfigCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &guildConfigStore{db: db, writeDB: writeDB, cache: cache, logger: logger}
}

// Get returns the guild's config. Cache errors are logged, and the
// database is used instead.
func (s *guildConfigStore) Get(ctx context.Context, guildID string) (GuildConfig, error) {
	logger := loggerFrom(ctx, s.logger)

	cfg, ok, err := s.cache.Get(ctx, guildID)
	if err != nil {
		logger.WarnContext(ctx, "error reading guild config cache", "guild_id", guildID, tint.Err(err))
	} else if ok {
		return cfg, nil
	}

	cfg = GuildConfig{GuildID: guildID}
	if err = s.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&cfg).Error
		},
	); err != nil {
		return cfg, fmt.Errorf("error creating guild config: %w", err)
	}
	if err = s.db.WithContext(ctx).Where("guild_id = ?", guildID).Take(&cfg).Error; err != nil {
		return cfg, fmt.Errorf("error getting guild config: %w", err)
	}

	if err = s.cache.Set(ctx, cfg); err != nil {
		logger.WarnContext(ctx, "error caching guild config", "guild_id", guildID, tint.Err(err))
	}
	return cfg, nil
}

// Update applies the given column values to the guild's config, then
// invalidates the cached copy
func (s *guildConfigStore) Update(ctx context.Context, guildID string, values map[string]any) (GuildConfig, error) {
	cfg, err := s.Get(ctx, guildID)
	if err != nil {
		return cfg, err
	}
	if _, err = s.writeDB.Updates(ctx, &cfg, values); err != nil {
		return cfg, fmt.Errorf("error updating guild config: %w", err)
	}
	if err = s.cache.Delete(ctx, guildID); err != nil {
		loggerFrom(ctx, s.logger).WarnContext(
			ctx,
			"error invalidating guild config cache",
			"guild_id", guildID,
			tint.Err(err),
		)
	}
	return s.Get(ctx, guildID)
}

func (s *guildConfigStore) SetLogChannel(ctx context.Context, guildID, channelID string) (GuildConfig, error) {
	return s.Update(ctx, guildID, map[string]any{"log_channel_id": channelID})
}

func (s *guildConfigStore) SetMuteRole(ctx context.Context, guildID, roleID string) (GuildConfig, error) {
	return s.Update(ctx, guildID, map[string]any{"mute_role_id": roleID})
}
