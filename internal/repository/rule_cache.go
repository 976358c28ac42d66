package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// DefaultRuleCacheKey is the Redis key holding the raw rule catalog.
const DefaultRuleCacheKey = "cdss:rules:v1"

// NewRedisClient connects to Redis using the cache settings.
func NewRedisClient(ctx context.Context, config domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// cachedRule keeps payloads as text so that rules with unparsable payloads
// round-trip through the cache unchanged.
type cachedRule struct {
	ID            string `json:"id"`
	RuleType      string `json:"rule_type"`
	RuleName      string `json:"rule_name"`
	Severity      string `json:"severity"`
	IsActive      bool   `json:"is_active"`
	Condition     string `json:"condition"`
	ActionPayload string `json:"action_payload"`
}

// CachedRules is the cache entry for a rule catalog.
type CachedRules struct {
	Rules     []cachedRule `json:"rules"`
	CachedAt  time.Time    `json:"cached_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// CachedRuleSource serves the rule catalog from Redis, refreshing from the
// underlying source when the entry is missing, corrupt or expired. Redis
// failures degrade to reading the underlying source.
type CachedRuleSource struct {
	next  domain.RuleSource
	redis *redis.Client
	ttl   time.Duration
	key   string
	now   func() time.Time
	log   *logrus.Logger
}

// NewCachedRuleSource wraps next with a Redis cache.
func NewCachedRuleSource(next domain.RuleSource, client *redis.Client, ttl time.Duration, logger *logrus.Logger) *CachedRuleSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedRuleSource{
		next:  next,
		redis: client,
		ttl:   ttl,
		key:   DefaultRuleCacheKey,
		now:   time.Now,
		log:   logger,
	}
}

// ListRules returns the cached catalog or loads and caches a fresh one.
func (c *CachedRuleSource) ListRules(ctx context.Context) ([]domain.RawRule, error) {
	if rules, ok := c.get(ctx); ok {
		return rules, nil
	}

	rules, err := c.next.ListRules(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.set(ctx, rules); err != nil {
		c.log.WithError(err).Warn("Failed to cache rule catalog")
	}
	return rules, nil
}

// Invalidate drops the cached catalog so the next read refreshes it.
func (c *CachedRuleSource) Invalidate(ctx context.Context) error {
	if err := c.redis.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate rule cache: %w", err)
	}
	return nil
}

func (c *CachedRuleSource) get(ctx context.Context) ([]domain.RawRule, bool) {
	val, err := c.redis.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.WithError(err).Warn("Rule cache unavailable, reading source")
		return nil, false
	}

	var cached CachedRules
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, c.key)
		return nil, false
	}
	if c.now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, c.key)
		return nil, false
	}

	rules := make([]domain.RawRule, len(cached.Rules))
	for i, r := range cached.Rules {
		rules[i] = domain.RawRule{
			ID:            r.ID,
			RuleType:      r.RuleType,
			RuleName:      r.RuleName,
			Severity:      r.Severity,
			IsActive:      r.IsActive,
			Condition:     textToRaw(r.Condition),
			ActionPayload: textToRaw(r.ActionPayload),
		}
	}
	return rules, true
}

func (c *CachedRuleSource) set(ctx context.Context, rules []domain.RawRule) error {
	now := c.now()
	cached := CachedRules{
		Rules:     make([]cachedRule, len(rules)),
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	for i, r := range rules {
		cached.Rules[i] = cachedRule{
			ID:            r.ID,
			RuleType:      r.RuleType,
			RuleName:      r.RuleName,
			Severity:      r.Severity,
			IsActive:      r.IsActive,
			Condition:     string(r.Condition),
			ActionPayload: string(r.ActionPayload),
		}
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal rule cache entry: %w", err)
	}
	return c.redis.Set(ctx, c.key, data, c.ttl).Err()
}

func textToRaw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
