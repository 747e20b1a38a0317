package fetch

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ClassAuth, false},
		{ClassClient, false},
		{ClassMalformed, false},
		{ClassServer, true},
		{ClassRateLimit, true},
		{ClassNetwork, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			if got := Retryable(tt.class); got != tt.want {
				t.Errorf("Retryable(%s) = %v, want %v", tt.class, got, tt.want)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"classified", &Error{Class: ClassAuth}, ClassAuth},
		{"wrapped classified", fmt.Errorf("attempt 3: %w", &Error{Class: ClassServer}), ClassServer},
		{"plain error", errors.New("connection reset"), ClassNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{Class: ClassNetwork, Message: "http request failed", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("message should include the cause: %s", err.Error())
	}
	if !strings.Contains(err.Error(), "network") {
		t.Errorf("message should include the class: %s", err.Error())
	}
}
