package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	// Префикс ключа текущей подписки пользователя
	activeSubscriptionKeyPrefix = "active_subscription:"

	// TTL для кэша
	defaultCacheTTL = 15 * time.Minute
)

// RedisCacheRepository реализует кеширование подписок с использованием Redis
type RedisCacheRepository struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, ttl time.Duration, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return &RedisCacheRepository{
		client: client,
		ttl:    ttl,
		log:    log,
	}, nil
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}

// CacheActiveSubscription кеширует текущую подписку пользователя
func (r *RedisCacheRepository) CacheActiveSubscription(ctx context.Context, sub *domain.Subscription) error {
	key := activeSubscriptionKeyPrefix + sub.LocalUserID

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.log.Errorw("Failed to cache subscription in Redis", "error", err, "userID", sub.LocalUserID)
		return fmt.Errorf("failed to cache subscription: %w", err)
	}

	r.log.Debugw("Subscription cached successfully", "userID", sub.LocalUserID, "subscriptionID", sub.ID)
	return nil
}

// GetActiveSubscription получает подписку из кеша; (nil, nil), если ключа нет
func (r *RedisCacheRepository) GetActiveSubscription(ctx context.Context, localUserID string) (*domain.Subscription, error) {
	key := activeSubscriptionKeyPrefix + localUserID

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.log.Debugw("Subscription not found in cache", "userID", localUserID)
			return nil, nil
		}
		r.log.Errorw("Error getting subscription from Redis", "error", err, "userID", localUserID)
		return nil, fmt.Errorf("failed to get subscription from cache: %w", err)
	}

	var sub domain.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		r.log.Errorw("Failed to unmarshal cached subscription", "error", err, "userID", localUserID)
		return nil, fmt.Errorf("failed to unmarshal cached subscription: %w", err)
	}
	return &sub, nil
}

// InvalidateUser удаляет кеш подписки пользователя
func (r *RedisCacheRepository) InvalidateUser(ctx context.Context, localUserID string) error {
	if err := r.client.Del(ctx, activeSubscriptionKeyPrefix+localUserID).Err(); err != nil {
		r.log.Errorw("Failed to invalidate subscription cache", "error", err, "userID", localUserID)
		return fmt.Errorf("failed to invalidate subscription cache: %w", err)
	}
	r.log.Debugw("Subscription cache invalidated", "userID", localUserID)
	return nil
}
