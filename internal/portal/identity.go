package portal

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// HostIdentity is the per-box host keypair whose public half
// controller.Start hands to the guest as BOXLITE_HOST_PUBKEY. The guest
// agent only logs that key; no handshake uses it, and the vsock
// connection is not authenticated against it.
// Grounded on sshimmer.go's ed25519 keygen + PEM encode pattern, now
// serving Portal's guest-agent identity instead of an SSH CA: an ed25519
// key, PEM-encoded for storage and authorized-keys-encoded for the guest
// side.
type HostIdentity struct {
	PrivateKeyPEM  []byte
	AuthorizedKey  []byte // ssh "authorized_keys" line format, passed to the guest
	signer         ssh.Signer
}

// Signer returns the ssh.Signer backing this identity. Nothing in this
// module calls it.
func (h HostIdentity) Signer() ssh.Signer { return h.signer }

// GenerateHostIdentity creates a fresh ed25519 host identity.
func GenerateHostIdentity() (HostIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return HostIdentity{}, fmt.Errorf("portal: generate host identity: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "boxlite host identity")
	if err != nil {
		return HostIdentity{}, fmt.Errorf("portal: marshal host private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return HostIdentity{}, fmt.Errorf("portal: derive host public key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return HostIdentity{}, fmt.Errorf("portal: build host signer: %w", err)
	}
	return HostIdentity{
		PrivateKeyPEM: pem.EncodeToMemory(block),
		AuthorizedKey: ssh.MarshalAuthorizedKey(sshPub),
		signer:        signer,
	}, nil
}

// LoadOrCreateHostIdentity reads a box's persisted host identity from
// boxDir/hostkey, generating and persisting one on first use. Identity
// survives stop/restart, matching spec.md §8's round-trip invariant for
// everything else a clean stop preserves.
func LoadOrCreateHostIdentity(boxDir string) (HostIdentity, error) {
	path := filepath.Join(boxDir, "hostkey")
	if data, err := os.ReadFile(path); err == nil {
		return parseHostIdentity(data)
	}
	id, err := GenerateHostIdentity()
	if err != nil {
		return HostIdentity{}, err
	}
	if err := os.MkdirAll(boxDir, 0o755); err != nil {
		return HostIdentity{}, fmt.Errorf("portal: mkdir box dir: %w", err)
	}
	if err := os.WriteFile(path, id.PrivateKeyPEM, 0o600); err != nil {
		return HostIdentity{}, fmt.Errorf("portal: persist host identity: %w", err)
	}
	return id, nil
}

func parseHostIdentity(pemBytes []byte) (HostIdentity, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return HostIdentity{}, fmt.Errorf("portal: parse host identity: %w", err)
	}
	return HostIdentity{
		PrivateKeyPEM: pemBytes,
		AuthorizedKey: ssh.MarshalAuthorizedKey(signer.PublicKey()),
		signer:        signer,
	}, nil
}
