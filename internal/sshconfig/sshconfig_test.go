package sshconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	home := t.TempDir()
	fakeUserHome := t.TempDir()
	t.Setenv("HOME", fakeUserHome)
	return NewManager(home)
}

func TestUpsertThenRemove(t *testing.T) {
	m := newTestManager(t)

	if err := m.Upsert("web", 2222, "root"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	content, err := os.ReadFile(m.path)
	if err != nil {
		t.Fatalf("reading managed config: %v", err)
	}
	for _, want := range []string{"Host web.box", "HostName 127.0.0.1", "Port 2222", "User root"} {
		if !strings.Contains(string(content), want) {
			t.Fatalf("managed config missing %q:\n%s", want, content)
		}
	}

	if err := m.Remove("web"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	content, err = os.ReadFile(m.path)
	if err != nil {
		t.Fatalf("reading managed config after remove: %v", err)
	}
	if strings.Contains(string(content), "web.box") {
		t.Fatalf("managed config still contains removed host:\n%s", content)
	}
}

func TestUpsertReplacesExistingHost(t *testing.T) {
	m := newTestManager(t)

	if err := m.Upsert("web", 2222, ""); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := m.Upsert("web", 3333, ""); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	content, err := os.ReadFile(m.path)
	if err != nil {
		t.Fatalf("reading managed config: %v", err)
	}
	if strings.Contains(string(content), "Port 2222") {
		t.Fatalf("stale port survived a re-Upsert:\n%s", content)
	}
	if !strings.Contains(string(content), "Port 3333") {
		t.Fatalf("new port missing after re-Upsert:\n%s", content)
	}
	if strings.Count(string(content), "Host web.box") != 1 {
		t.Fatalf("expected exactly one Host block for web.box:\n%s", content)
	}
}

func TestRemoveUnknownHostIsNoop(t *testing.T) {
	m := newTestManager(t)
	if err := m.Remove("does-not-exist"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}

func TestEnsureIncludeCreatesFileWhenMissing(t *testing.T) {
	m := newTestManager(t)

	fix, err := m.EnsureInclude(t.Context())
	if err != nil {
		t.Fatalf("EnsureInclude: %v", err)
	}
	if fix == nil {
		t.Fatal("EnsureInclude: want a fixup func when ~/.ssh/config doesn't exist, got nil")
	}
	if err := fix(); err != nil {
		t.Fatalf("fixup: %v", err)
	}

	content, err := os.ReadFile(m.userSSHPath)
	if err != nil {
		t.Fatalf("reading %s: %v", m.userSSHPath, err)
	}
	if !strings.Contains(string(content), "Include "+m.path) {
		t.Fatalf("user ssh config missing Include line:\n%s", content)
	}

	// Re-checking after the fixup ran should report nothing to do.
	fix, err = m.EnsureInclude(t.Context())
	if err != nil {
		t.Fatalf("second EnsureInclude: %v", err)
	}
	if fix != nil {
		t.Fatal("EnsureInclude: want nil fixup once the Include line is present")
	}
}

func TestEnsureIncludePrependsToExistingFile(t *testing.T) {
	m := newTestManager(t)
	if err := os.MkdirAll(filepath.Dir(m.userSSHPath), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(m.userSSHPath, []byte("Host other\n  HostName example.com\n"), 0o600); err != nil {
		t.Fatalf("seeding user ssh config: %v", err)
	}

	fix, err := m.EnsureInclude(t.Context())
	if err != nil {
		t.Fatalf("EnsureInclude: %v", err)
	}
	if fix == nil {
		t.Fatal("EnsureInclude: want a fixup func, got nil")
	}
	if err := fix(); err != nil {
		t.Fatalf("fixup: %v", err)
	}

	content, err := os.ReadFile(m.userSSHPath)
	if err != nil {
		t.Fatalf("reading %s: %v", m.userSSHPath, err)
	}
	if !strings.HasPrefix(string(content), "Include "+m.path) {
		t.Fatalf("Include line should be prepended to the top:\n%s", content)
	}
	if !strings.Contains(string(content), "Host other") {
		t.Fatalf("existing content was lost:\n%s", content)
	}
}
