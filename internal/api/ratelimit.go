package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/feedforge/internal/observability"
)

// RateLimiter enforces per-client request budgets using fixed one-minute
// windows in Redis.
type RateLimiter struct {
	redis   *redis.Client
	logger  *zap.Logger
	metrics *observability.Metrics
	config  RateLimitConfig
}

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	RequestsPerMinute int
	// Endpoints are keyed by "METHOD:route pattern".
	Endpoints      map[string]EndpointLimits
	IncludeHeaders bool
}

// EndpointLimits tightens the budget for an expensive endpoint.
type EndpointLimits struct {
	RequestsPerMinute int
	CostMultiplier    int
}

// RateLimitResult is the outcome of one check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(client *redis.Client, cfg RateLimitConfig, logger *zap.Logger, metrics *observability.Metrics) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 300
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{redis: client, logger: logger, metrics: metrics, config: cfg}
}

// DefaultEndpointLimits returns the budgets for endpoints that do heavy work.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/iocs/bulk": {
			RequestsPerMinute: 20,
			CostMultiplier:    5,
		},
		"POST:/api/v1/iocs/{id}/enrich": {
			RequestsPerMinute: 50,
			CostMultiplier:    2,
		},
		"POST:/api/v1/feeds/{id}/update": {
			RequestsPerMinute: 5,
			CostMultiplier:    10,
		},
	}
}

// Limit returns the per-minute budget for an endpoint.
func (rl *RateLimiter) Limit(endpoint, method string) int {
	limit := rl.config.RequestsPerMinute
	ep, ok := rl.config.Endpoints[method+":"+endpoint]
	if !ok {
		return limit
	}
	if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
		limit = ep.RequestsPerMinute
	}
	if ep.CostMultiplier > 1 {
		limit /= ep.CostMultiplier
	}
	return max(limit, 1)
}

// Check counts one request. Redis failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) RateLimitResult {
	limit := rl.Limit(endpoint, method)
	key := fmt.Sprintf("feedforge:ratelimit:%s:%s:%s:minute", clientID, method, endpoint)
	now := time.Now()

	count, err := incrScript.Run(ctx, rl.redis, []string{key}, 60000).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}
	}

	ttl, err := rl.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}
	res := RateLimitResult{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res
}

// Middleware applies the limiter. It must run inside a chi router so the
// route pattern is known.
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := routePattern(r)
			res := rl.Check(r.Context(), getClientID(r), endpoint, r.Method)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
				if !res.ResetAt.IsZero() {
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
				}
			}

			if !res.Allowed {
				rl.metrics.RateLimited(endpoint)
				retry := int(res.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
					Kind:    kindRateLimited,
					Message: fmt.Sprintf("rate limit of %d requests per minute exceeded", res.Limit),
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// routePattern resolves the pattern the request will match, so every id
// shares one budget per endpoint.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.Routes == nil {
		return r.URL.Path
	}
	tctx := chi.NewRouteContext()
	path := r.URL.RawPath
	if path == "" {
		path = r.URL.Path
	}
	if !rctx.Routes.Match(tctx, r.Method, path) {
		return r.URL.Path
	}
	return tctx.RoutePattern()
}
