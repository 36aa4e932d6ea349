package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveHomeHonorsEnvOverride(t *testing.T) {
	t.Setenv("BOXLITE_HOME", "/tmp/boxlite-test-home")
	got, err := ResolveHome()
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != "/tmp/boxlite-test-home" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveHomeDefaultsUnderUserHome(t *testing.T) {
	os.Unsetenv("BOXLITE_HOME")
	got, err := ResolveHome()
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	home, _ := os.UserHomeDir()
	want := filepath.Join(home, ".boxlite")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace": LevelTrace,
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("bogus"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewLoggerCreatesLogDir(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLogger(dir, slog.LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if log == nil {
		t.Fatal("expected non-nil logger")
	}
	if _, err := os.Stat(filepath.Join(dir, "log")); err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
}
