package log

import (
	"errors"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{in: "debug", want: LevelDebug},
		{in: " DEBUG ", want: LevelDebug},
		{in: "error", want: LevelError},
		{in: "info", want: LevelInfo},
		{in: "", want: LevelInfo},
		{in: "nonsense", want: LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	SetLevel(LevelError)
	defer SetLevel(LevelInfo)

	// Must not panic with kv pairs, odd keys, or non-string keys.
	Debug("suppressed", "k", "v")
	Info("suppressed too", "dangling")
	Error("emitted", errors.New("boom"), 42, "ignored", "k", "v")
}
