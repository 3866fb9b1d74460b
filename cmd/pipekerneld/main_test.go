package main

import (
	"log/slog"
	"testing"
)

func TestParseLevel_RecognizesStandardNames(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"DEBUG": slog.LevelDebug,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLevel_FallsBackToInfoOnUnknownInput(t *testing.T) {
	for _, input := range []string{"", "verbose", "not-a-level"} {
		if got := parseLevel(input); got != slog.LevelInfo {
			t.Errorf("parseLevel(%q) = %v, want LevelInfo fallback", input, got)
		}
	}
}
