package invites

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Signer signs invite slugs with the conversation creator's private key held
// in secure local storage.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner wraps an existing private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv}
}

// LoadSigner reads a hex-encoded ed25519 seed from the secure storage path,
// generating and persisting a new one on first run.
func LoadSigner(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("invalid signing key at %s", path)
		}
		return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// Public returns the verification key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign signs the canonical invite payload: the slug bound to the
// conversation's invite tag and lock state, so a lock toggle invalidates
// previously issued slugs.
func (s *Signer) Sign(slug, inviteTag string, locked bool) []byte {
	return ed25519.Sign(s.priv, payload(slug, inviteTag, locked))
}

// Verify checks a signature against a public key.
func Verify(pub ed25519.PublicKey, slug, inviteTag string, locked bool, sig []byte) bool {
	return ed25519.Verify(pub, payload(slug, inviteTag, locked), sig)
}

func payload(slug, inviteTag string, locked bool) []byte {
	return []byte(slug + "\x00" + inviteTag + "\x00" + strconv.FormatBool(locked))
}
