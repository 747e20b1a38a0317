// Package ratelimit implements request budget tracking and gating for
// remote collection sources. It monitors the X-RateLimit-Remaining and
// X-RateLimit-Reset response headers so concurrent sessions sharing one
// source stop requesting before the source starts rejecting or banning.
package ratelimit

import (
	"time"
)

// Thresholds for budget decisions.
const (
	// BudgetThresholdCritical blocks all requests when the remaining
	// budget falls below this value.
	BudgetThresholdCritical = 5

	// BudgetThresholdWarning applies throttling when the remaining
	// budget falls below this value.
	BudgetThresholdWarning = 20

	// BudgetThresholdHealthy indicates normal operation. At or above
	// this value no restrictions apply.
	BudgetThresholdHealthy = 50
)

// State is the shared request budget of one collection source. It is
// stored in Redis so every session targeting the source sees it.
type State struct {
	// Remaining is the number of requests the source will still accept
	// in the current window, per its X-RateLimit-Remaining header.
	Remaining int `json:"remaining"`

	// ResetAt is when the budget window resets, derived from the
	// X-RateLimit-Reset header (seconds until reset).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last refreshed from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= BudgetThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked outright.
func (s *State) NeedsCriticalBlock() bool {
	return s.Remaining < BudgetThresholdCritical
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.Remaining < BudgetThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the budget window resets.
// Returns 0 if the reset time has already passed.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field from the current Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= BudgetThresholdHealthy
}
