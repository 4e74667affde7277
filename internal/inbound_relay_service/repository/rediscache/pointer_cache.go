// Package rediscache holds Redis read-through decorators for the Postgres repositories.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const defaultPointerTTL = time.Hour

// CachedPointerRepository serves FindByPhone from Redis and falls back to the wrapped store.
// Redis failures are logged and never fail the call.
type CachedPointerRepository struct {
	next   domain.ConversationPointerRepository
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger

	hits   prometheus.Counter
	misses prometheus.Counter
}

type Option func(*CachedPointerRepository)

// WithCounters records cache hits and misses.
func WithCounters(hits, misses prometheus.Counter) Option {
	return func(c *CachedPointerRepository) {
		c.hits = hits
		c.misses = misses
	}
}

func NewCachedPointerRepository(next domain.ConversationPointerRepository, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger, opts ...Option) *CachedPointerRepository {
	if ttl <= 0 {
		ttl = defaultPointerTTL
	}
	c := &CachedPointerRepository{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "pointer_cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func pointerKey(locationID, normalizedPhone string) string {
	return "pointer:" + locationID + ":" + normalizedPhone
}

func contactIndexKey(locationID, contactID string) string {
	return "pointer-contact:" + locationID + ":" + contactID
}

func (c *CachedPointerRepository) FindByPhone(ctx context.Context, locationID, normalizedPhone string) (*domain.ConversationPointer, error) {
	raw, err := c.client.Get(ctx, pointerKey(locationID, normalizedPhone)).Bytes()
	switch {
	case err == nil:
		var p domain.ConversationPointer
		if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
			c.count(c.hits)
			return &p, nil
		}
		c.logger.WarnContext(ctx, "Discarding undecodable cached pointer", "location_id", locationID)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.WarnContext(ctx, "Pointer cache read failed", "error", err, "location_id", locationID)
	}
	c.count(c.misses)

	p, err := c.next.FindByPhone(ctx, locationID, normalizedPhone)
	if err != nil || p == nil {
		return p, err
	}
	c.store(ctx, p)
	return p, nil
}

// UpsertByPhone writes through: the stored result replaces the cached entry.
func (c *CachedPointerRepository) UpsertByPhone(ctx context.Context, params domain.PointerUpsert) (*domain.ConversationPointer, error) {
	p, err := c.next.UpsertByPhone(ctx, params)
	if err != nil {
		c.invalidate(ctx, pointerKey(params.LocationID, params.NormalizedPhone))
		return nil, err
	}
	if p != nil {
		c.store(ctx, p)
	}
	return p, nil
}

// UpdateConversationIDForKnownContact drops every cached pointer of the contact after the bulk update.
func (c *CachedPointerRepository) UpdateConversationIDForKnownContact(ctx context.Context, params domain.ContactConversationUpdate) (int64, error) {
	n, err := c.next.UpdateConversationIDForKnownContact(ctx, params)

	indexKey := contactIndexKey(params.LocationID, params.ContactID)
	keys, cacheErr := c.client.SMembers(ctx, indexKey).Result()
	if cacheErr != nil {
		c.logger.WarnContext(ctx, "Pointer contact index read failed", "error", cacheErr, "contact_id", params.ContactID)
		return n, err
	}
	c.invalidate(ctx, append(keys, indexKey)...)
	return n, err
}

func (c *CachedPointerRepository) store(ctx context.Context, p *domain.ConversationPointer) {
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	key := pointerKey(p.LocationID, p.NormalizedPhone)

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, body, c.ttl)
	if p.ContactID != "" {
		indexKey := contactIndexKey(p.LocationID, p.ContactID)
		pipe.SAdd(ctx, indexKey, key)
		pipe.Expire(ctx, indexKey, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.WarnContext(ctx, "Pointer cache write failed", "error", err, "location_id", p.LocationID)
	}
}

func (c *CachedPointerRepository) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.WarnContext(ctx, "Pointer cache invalidation failed", "error", err, "keys", len(keys))
	}
}

func (c *CachedPointerRepository) count(counter prometheus.Counter) {
	if counter != nil {
		counter.Inc()
	}
}
