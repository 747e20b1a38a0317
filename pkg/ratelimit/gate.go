package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for request gating.
var (
	budgetRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvest_rate_limit_remaining",
		Help: "Remaining request budget per collection source",
	}, []string{"source"})

	gateBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_rate_limit_blocks_total",
		Help: "Total number of requests blocked due to critical budget",
	}, []string{"source"})

	gateThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to low budget",
	}, []string{"source"})
)

// Gate decides per request whether a collection source may be contacted.
// Budget state lives in Redis keyed by source name, so concurrent sessions
// collecting from the same source share one budget. The gate also enforces
// a fixed minimum interval between requests from this process.
type Gate struct {
	redis       *redis.Client
	source      string
	minInterval time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	lastCall time.Time
}

// NewGate creates a gate for one collection source. minInterval <= 0
// disables interval spacing.
func NewGate(redisClient *redis.Client, source string, minInterval time.Duration, logger zerolog.Logger) *Gate {
	return &Gate{
		redis:       redisClient,
		source:      source,
		minInterval: minInterval,
		logger:      logger,
	}
}

func (g *Gate) key(field string) string {
	return fmt.Sprintf("harvest:rate_limit:%s:%s", g.source, field)
}

// GetState retrieves the current budget state from Redis. Returns a
// default healthy state when no data exists yet.
func (g *Gate) GetState(ctx context.Context) (*State, error) {
	remaining, err := g.redis.Get(ctx, g.key("remaining")).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get remaining budget: %w", err)
	}

	resetTimestamp, err := g.redis.Get(ctx, g.key("reset_timestamp")).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}

	lastUpdateStr, err := g.redis.Get(ctx, g.key("last_update")).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	if err == redis.Nil {
		g.logger.Debug().Str("source", g.source).Msg("No budget state in Redis, assuming healthy")
		return &State{
			Remaining:  100, // Assume healthy until headers say otherwise
			ResetAt:    time.Now().Add(60 * time.Second),
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &State{
		Remaining:  remaining,
		ResetAt:    time.Unix(resetTimestamp, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()

	return state, nil
}

// UpdateFromHeaders parses rate limit headers and updates the shared
// budget state in Redis. Responses without the headers are ignored.
func (g *Gate) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	resetSeconds := 60
	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		resetSeconds, err = strconv.Atoi(resetStr)
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
		}
	}

	now := time.Now()
	state := &State{
		Remaining:  remain,
		ResetAt:    now.Add(time.Duration(resetSeconds) * time.Second),
		LastUpdate: now,
	}
	state.UpdateHealth()

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := g.redis.Pipeline()
	pipe.Set(ctx, g.key("remaining"), remain, 0)
	pipe.Set(ctx, g.key("reset_timestamp"), state.ResetAt.Unix(), 0)
	pipe.Set(ctx, g.key("last_update"), lastUpdateJSON, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store budget state in redis: %w", err)
	}

	budgetRemaining.WithLabelValues(g.source).Set(float64(remain))

	logEvent := g.logger.Info().
		Str("source", g.source).
		Int("remaining", remain).
		Time("reset_at", state.ResetAt).
		Bool("is_healthy", state.IsHealthy)

	if state.NeedsCriticalBlock() {
		logEvent = g.logger.Error().Str("source", g.source).Int("remaining", remain)
		logEvent.Msg("Request budget CRITICAL - requests will be blocked")
	} else if state.NeedsThrottling() {
		logEvent = g.logger.Warn().Str("source", g.source).Int("remaining", remain)
		logEvent.Msg("Request budget WARNING - requests will be throttled")
	} else {
		logEvent.Msg("Request budget state updated")
	}

	return nil
}

// Allow checks whether a request to the source should proceed. It first
// spaces requests by the configured minimum interval, then consults the
// shared budget: critical budget blocks the request, low budget throttles
// it with an extra one-second delay.
func (g *Gate) Allow(ctx context.Context) (bool, error) {
	if err := g.waitMinInterval(ctx); err != nil {
		return false, err
	}

	state, err := g.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get budget state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		g.logger.Error().
			Str("source", g.source).
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Request budget critical - blocking request")

		gateBlocksTotal.WithLabelValues(g.source).Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		g.logger.Warn().
			Str("source", g.source).
			Int("remaining", state.Remaining).
			Msg("Request budget low - throttling request")

		gateThrottlesTotal.WithLabelValues(g.source).Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}

	return true, nil
}

// waitMinInterval sleeps until the minimum spacing since the previous
// request has elapsed.
func (g *Gate) waitMinInterval(ctx context.Context) error {
	if g.minInterval <= 0 {
		return nil
	}

	g.mu.Lock()
	wait := g.minInterval - time.Since(g.lastCall)
	if wait < 0 {
		wait = 0
	}
	// Reserve the slot before sleeping so concurrent callers space out.
	g.lastCall = time.Now().Add(wait)
	g.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
