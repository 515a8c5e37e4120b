package repository

import (
	"context"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

// CachedSubscriptionReader читает текущую подписку через кеш.
// Ошибки кеша не прерывают чтение.
type CachedSubscriptionReader struct {
	repo  SubscriptionReader
	cache SubscriptionCache
	log   *logger.Logger
}

// NewCachedSubscriptionReader создает читатель с кешированием
func NewCachedSubscriptionReader(repo SubscriptionReader, cache SubscriptionCache, log *logger.Logger) SubscriptionReader {
	return &CachedSubscriptionReader{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// ActiveSubscription сначала из кеша, потом из БД
func (r *CachedSubscriptionReader) ActiveSubscription(ctx context.Context, localUserID string) (*domain.Subscription, error) {
	cached, err := r.cache.GetActiveSubscription(ctx, localUserID)
	if err != nil {
		r.log.Warnw("Error getting subscription from cache", "error", err, "userID", localUserID)
	}
	if cached != nil {
		return cached, nil
	}

	sub, err := r.repo.ActiveSubscription(ctx, localUserID)
	if err != nil {
		return nil, err
	}

	if err := r.cache.CacheActiveSubscription(ctx, sub); err != nil {
		r.log.Warnw("Failed to cache subscription after fetching", "error", err, "userID", localUserID)
	}
	return sub, nil
}
