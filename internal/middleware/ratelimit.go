package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// defaultMaxClients bounds how many per-client limiters are remembered.
const defaultMaxClients = 10000

// ClientRateLimiter hands out one token bucket per client. The least recently
// seen clients are forgotten once maxClients is reached.
type ClientRateLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// NewClientRateLimiter creates a limiter allowing rps requests per second per
// client with the given burst.
func NewClientRateLimiter(rps float64, burst, maxClients int) (*ClientRateLimiter, error) {
	if rps <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", rps)
	}
	if burst <= 0 {
		burst = 1
	}
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	cache, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		return nil, fmt.Errorf("creating limiter cache: %w", err)
	}
	return &ClientRateLimiter{
		limiters: cache,
		rate:     rate.Limit(rps),
		burst:    burst,
	}, nil
}

// Allow reports whether client may make a request now.
func (l *ClientRateLimiter) Allow(client string) bool {
	limiter, ok := l.limiters.Get(client)
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		// Another request for the same client may have raced us here.
		if prev, found, _ := l.limiters.PeekOrAdd(client, limiter); found {
			limiter = prev
		}
	}
	return limiter.Allow()
}

// RateLimit rejects requests over the per-client budget with 429. Clients are
// keyed by X-User-ID when present, otherwise by IP.
func RateLimit(limiter *ClientRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.GetHeader("X-User-ID")
		if client == "" {
			client = c.ClientIP()
		}

		if !limiter.Allow(client) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, domain.NewCDSSError(
				domain.ErrCodeRateLimit,
				"Too many requests",
				"",
				c.GetString(CorrelationIDKey),
			))
			return
		}
		c.Next()
	}
}
