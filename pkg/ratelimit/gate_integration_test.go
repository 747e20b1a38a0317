//go:build integration

package ratelimit

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestGate_Integration_GetState(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	gate := NewGate(redisClient, "test-source", 0, logger)
	ctx := context.Background()

	// Default state when Redis is empty
	state, err := gate.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}

	if state.Remaining != 100 {
		t.Errorf("Default Remaining = %d, want 100", state.Remaining)
	}

	if !state.IsHealthy {
		t.Error("Default state should be healthy")
	}

	// Update state and retrieve it
	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "75")
	headers.Set("X-RateLimit-Reset", "120")

	if err := gate.UpdateFromHeaders(ctx, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err = gate.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() after update error = %v", err)
	}

	if state.Remaining != 75 {
		t.Errorf("Remaining = %d, want 75", state.Remaining)
	}

	if !state.IsHealthy {
		t.Error("State with 75 remaining should be healthy")
	}

	// Verify reset time is approximately correct
	expectedResetDuration := 120 * time.Second
	actualResetDuration := state.TimeUntilReset()
	tolerance := 5 * time.Second

	if actualResetDuration < expectedResetDuration-tolerance || actualResetDuration > expectedResetDuration+tolerance {
		t.Errorf("TimeUntilReset = %v, want approximately %v", actualResetDuration, expectedResetDuration)
	}
}

func TestGate_Integration_Allow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	gate := NewGate(redisClient, "test-source", 0, logger)
	ctx := context.Background()

	tests := []struct {
		name         string
		remainHeader string
		wantAllowed  bool
	}{
		{
			name:         "healthy budget allows",
			remainHeader: "90",
			wantAllowed:  true,
		},
		{
			name:         "warning budget throttles but allows",
			remainHeader: "15",
			wantAllowed:  true,
		},
		{
			name:         "critical budget blocks",
			remainHeader: "2",
			wantAllowed:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			headers.Set("X-RateLimit-Remaining", tt.remainHeader)
			headers.Set("X-RateLimit-Reset", "60")

			if err := gate.UpdateFromHeaders(ctx, headers); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			allowed, err := gate.Allow(ctx)
			if err != nil {
				t.Fatalf("Allow() error = %v", err)
			}
			if allowed != tt.wantAllowed {
				t.Errorf("Allow() = %v, want %v", allowed, tt.wantAllowed)
			}
		})
	}
}

func TestGate_Integration_SourcesAreIsolated(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	gateA := NewGate(redisClient, "source-a", 0, logger)
	gateB := NewGate(redisClient, "source-b", 0, logger)
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "2")
	headers.Set("X-RateLimit-Reset", "60")
	if err := gateA.UpdateFromHeaders(ctx, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	// Source A is critical, source B still has its default budget.
	stateA, err := gateA.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState(a) error = %v", err)
	}
	if !stateA.NeedsCriticalBlock() {
		t.Error("source-a should be critical")
	}

	stateB, err := gateB.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState(b) error = %v", err)
	}
	if stateB.NeedsCriticalBlock() {
		t.Error("source-b must not inherit source-a's budget")
	}
}
