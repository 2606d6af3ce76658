package calsync

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func mustParseTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return parsed
}

func TestProviderErrorMapsAuthStatuses(t *testing.T) {
	for _, status := range []int{401, 403} {
		err := &ProviderError{Provider: ProviderGoogle, StatusCode: status}
		if !errors.Is(err, ErrAuthRevoked) {
			t.Fatalf("status %d should map to ErrAuthRevoked", status)
		}
	}
	err := &ProviderError{Provider: ProviderGoogle, StatusCode: 500}
	if errors.Is(err, ErrAuthRevoked) {
		t.Fatalf("status 500 must not map to ErrAuthRevoked")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "rate limited", err: &ProviderError{StatusCode: 429, Retryable: true}, want: true},
		{name: "server error", err: &ProviderError{StatusCode: 503, Retryable: true}, want: true},
		{name: "bad request", err: &ProviderError{StatusCode: 400}, want: false},
		{name: "auth revoked", err: &ProviderError{StatusCode: 401}, want: false},
		{name: "wrapped auth", err: fmt.Errorf("pull: %w", ErrAuthRevoked), want: false},
		{name: "cursor invalid", err: fmt.Errorf("pull: %w", ErrCursorInvalid), want: false},
		{name: "missing connection", err: ErrNotFound, want: false},
		{name: "invalid input", err: ErrInvalidInput, want: false},
		{name: "transport error", err: errors.New("connection reset"), want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestSubscriptionState(t *testing.T) {
	now := mustParseTime(t, "2024-06-01T00:00:00Z")

	conn := Connection{}
	if got := conn.SubscriptionState(now); got != SubscriptionNone {
		t.Fatalf("empty connection state = %s", got)
	}

	conn.SubscriptionID = "sub-1"
	conn.SubscriptionExpiry = now.Add(time.Hour)
	if got := conn.SubscriptionState(now); got != SubscriptionActive {
		t.Fatalf("future expiry state = %s", got)
	}

	conn.SubscriptionExpiry = now.Add(-time.Hour)
	if got := conn.SubscriptionState(now); got != SubscriptionExpired {
		t.Fatalf("past expiry state = %s", got)
	}
}
