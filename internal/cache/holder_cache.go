package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trustchain-custody/internal/config"
	"trustchain-custody/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// HolderCache 批次当前监管方的 Redis 缓存
//
// 监管方由 custody_events 的最近一条事件推导，读路径（仪表盘、
// 校验查询）远多于写路径；缓存只在流转成功后刷新，查询未命中时
// 回源数据库。缓存不是事实源，TTL 过期后自动回源。
type HolderCache struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewHolderCache 创建监管方缓存
func NewHolderCache(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *HolderCache {
	return &HolderCache{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Get 读取批次的监管方缓存；未命中返回 (nil, nil)
func (c *HolderCache) Get(ctx context.Context, batchID string) (*models.CustodyHolder, error) {
	key := c.config.Cache.HolderKeyPrefix + batchID

	val, err := c.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get holder cache: %w", err)
	}

	var holder models.CustodyHolder
	if err := json.Unmarshal([]byte(val), &holder); err != nil {
		return nil, fmt.Errorf("failed to unmarshal holder cache: %w", err)
	}

	return &holder, nil
}

// Set 刷新批次的监管方缓存（流转成功后调用）
func (c *HolderCache) Set(ctx context.Context, batchID string, holder *models.CustodyHolder) error {
	key := c.config.Cache.HolderKeyPrefix + batchID

	jsonData, err := json.Marshal(holder)
	if err != nil {
		return fmt.Errorf("failed to marshal holder: %w", err)
	}

	err = c.redisClient.Set(
		ctx,
		key,
		jsonData,
		time.Duration(c.config.Cache.HolderTTL)*time.Second,
	).Err()

	if err != nil {
		return fmt.Errorf("failed to set holder cache: %w", err)
	}

	c.logger.Debug("Updated custody holder cache",
		zap.String("batch_id", batchID),
		zap.String("role", holder.Role),
	)

	return nil
}

// Invalidate 删除批次的监管方缓存
func (c *HolderCache) Invalidate(ctx context.Context, batchID string) error {
	key := c.config.Cache.HolderKeyPrefix + batchID
	if err := c.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate holder cache: %w", err)
	}
	return nil
}
