// Package sshconfig maintains per-box Host entries in a dedicated ssh
// client config file, so `ssh <box-name>.box` reaches a box's forwarded
// ssh port without the operator hand-editing ~/.ssh/config. Grounded on
// sshimmer.go's Include-line/Host-block management, narrowed from its
// full CA-based host/user certificate machinery (out of scope here,
// since BoxLite's own control path is the Portal connection over vsock,
// not guest sshd) down to the plain HostName/Port bookkeeping a
// forwarded port needs.
package sshconfig

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// Manager owns one boxlite-managed ssh_config file under a home
// directory and, on request, the Include line in the user's own
// ~/.ssh/config that pulls it in.
type Manager struct {
	path        string // <home>/ssh_config, managed entirely by boxlite
	userSSHPath string // ~/.ssh/config, touched only via EnsureInclude
}

// NewManager returns a Manager rooted at <homeDir>/ssh_config.
func NewManager(homeDir string) *Manager {
	return &Manager{
		path:        filepath.Join(homeDir, "ssh_config"),
		userSSHPath: filepath.Join(os.Getenv("HOME"), ".ssh", "config"),
	}
}

// includeLine is what EnsureInclude looks for in, or adds to, the
// user's ~/.ssh/config.
func (m *Manager) includeLine() string {
	return "Include " + m.path
}

// EnsureInclude checks whether ~/.ssh/config already includes this
// manager's file, mirroring sshimmer.go's CheckForIncludeWithFS. It
// never writes on its own: it returns a fixup func the caller can
// invoke (e.g. from the CLI, after prompting) when the Include is
// missing, and nil when everything is already in place.
func (m *Manager) EnsureInclude(ctx context.Context) (func() error, error) {
	line := m.includeLine()

	existing, err := os.ReadFile(m.userSSHPath)
	if err != nil {
		if os.IsNotExist(err) {
			return func() error {
				if err := os.MkdirAll(filepath.Dir(m.userSSHPath), 0o700); err != nil {
					return fmt.Errorf("sshconfig: mkdir %s: %w", filepath.Dir(m.userSSHPath), err)
				}
				return os.WriteFile(m.userSSHPath, []byte(line+"\n"), 0o600)
			}, nil
		}
		return nil, fmt.Errorf("sshconfig: reading %s: %w", m.userSSHPath, err)
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(existing))
	if err != nil {
		return nil, fmt.Errorf("sshconfig: decoding %s: %w", m.userSSHPath, err)
	}
	for _, host := range cfg.Hosts {
		for _, node := range host.Nodes {
			if inc, ok := node.(*ssh_config.Include); ok && strings.TrimSpace(inc.String()) == line {
				return nil, nil
			}
		}
	}

	slog.DebugContext(ctx, "sshconfig: include missing", "path", m.userSSHPath, "line", line)
	return func() error {
		updated := append([]byte(line+"\n"), existing...)
		return os.WriteFile(m.userSSHPath, updated, 0o600)
	}, nil
}

// Upsert writes or replaces the Host block for boxName so that `ssh
// <boxName>.box` reaches 127.0.0.1:hostPort, where hostPort is the host
// side of a port-forward targeting the guest's sshd.
func (m *Manager) Upsert(boxName string, hostPort int, user string) error {
	cfg, err := m.load()
	if err != nil {
		return err
	}
	cfg.Hosts = removeHost(cfg.Hosts, hostPattern(boxName))

	pattern, err := ssh_config.NewPattern(hostPattern(boxName))
	if err != nil {
		return fmt.Errorf("sshconfig: pattern for %s: %w", boxName, err)
	}
	nodes := []ssh_config.Node{
		&ssh_config.KV{Key: "HostName", Value: "127.0.0.1"},
		&ssh_config.KV{Key: "Port", Value: fmt.Sprintf("%d", hostPort)},
		&ssh_config.KV{Key: "StrictHostKeyChecking", Value: "no"},
		&ssh_config.KV{Key: "UserKnownHostsFile", Value: "/dev/null"},
	}
	if user != "" {
		nodes = append(nodes, &ssh_config.KV{Key: "User", Value: user})
	}
	cfg.Hosts = append(cfg.Hosts, &ssh_config.Host{
		Patterns: []*ssh_config.Pattern{pattern},
		Nodes:    nodes,
	})
	return m.save(cfg)
}

// Remove deletes boxName's Host block, if any. Called on Stop/Remove so
// a box's ssh alias doesn't outlive the port forward it relies on.
func (m *Manager) Remove(boxName string) error {
	cfg, err := m.load()
	if err != nil {
		return err
	}
	before := len(cfg.Hosts)
	cfg.Hosts = removeHost(cfg.Hosts, hostPattern(boxName))
	if len(cfg.Hosts) == before {
		return nil
	}
	return m.save(cfg)
}

func hostPattern(boxName string) string { return boxName + ".box" }

func removeHost(hosts []*ssh_config.Host, pattern string) []*ssh_config.Host {
	out := hosts[:0]
	for _, h := range hosts {
		keep := true
		for _, p := range h.Patterns {
			if p.String() == pattern {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, h)
		}
	}
	return out
}

func (m *Manager) load() (*ssh_config.Config, error) {
	existing, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ssh_config.Config{}, nil
		}
		return nil, fmt.Errorf("sshconfig: reading %s: %w", m.path, err)
	}
	cfg, err := ssh_config.Decode(bytes.NewReader(existing))
	if err != nil {
		return nil, fmt.Errorf("sshconfig: decoding %s: %w", m.path, err)
	}
	return cfg, nil
}

func (m *Manager) save(cfg *ssh_config.Config) error {
	b, err := cfg.MarshalText()
	if err != nil {
		return fmt.Errorf("sshconfig: marshaling %s: %w", m.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("sshconfig: mkdir %s: %w", filepath.Dir(m.path), err)
	}
	return os.WriteFile(m.path, b, 0o600)
}
