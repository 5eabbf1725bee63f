// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package security

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
)

// SignatureFile is the signature artifact stored beside plugin.json.
const SignatureFile = "plugin.sig"

// Signature is the content of a plugin.sig file. The signature is ed25519
// over the hex string returned by CalculateHash. PublicKey holds a trusted
// key id or a base64-encoded public key.
type Signature struct {
	PluginID  string    `json:"plugin_id"`
	Signature string    `json:"signature"`
	PublicKey string    `json:"public_key"`
	IssuedAt  time.Time `json:"issued_at"`
	Verified  bool      `json:"-"`
}

// KeyID derives the short id used for a public key when none is given.
func KeyID(key ed25519.PublicKey) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// ParseTrustedKey parses "id=base64key" or a bare base64 key.
func ParseTrustedKey(s string) (string, ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	id, encoded := "", s
	// A bare key may end in '=' padding, so only split when a key follows.
	if before, after, found := strings.Cut(s, "="); found && len(after) >= 4 {
		id, encoded = before, after
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, oops.Code(errutil.CodeConfigInvalid).Wrapf(err, "decode trusted key")
	}
	if len(raw) != ed25519.PublicKeySize {
		return "", nil, oops.Code(errutil.CodeConfigInvalid).Errorf("trusted key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	key := ed25519.PublicKey(raw)
	if id == "" {
		id = KeyID(key)
	}
	return id, key, nil
}

// ReadSignature loads dir/plugin.sig.
func ReadSignature(dir string) (*Signature, error) {
	path := filepath.Join(dir, SignatureFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is inside the plugin directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, oops.Code(errutil.CodeSignatureUnavailable).With("path", path).Errorf("signature file not found")
		}
		return nil, oops.Code(errutil.CodeSecurityViolation).With("path", path).Wrap(err)
	}
	var sig Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, oops.Code(errutil.CodeSecurityViolation).With("path", path).Wrapf(err, "malformed signature file")
	}
	if sig.PluginID == "" || sig.Signature == "" || sig.PublicKey == "" {
		return nil, oops.Code(errutil.CodeSecurityViolation).With("path", path).
			Errorf("signature file requires plugin_id, signature and public_key")
	}
	return &sig, nil
}

// Sign hashes dir, signs the hash with priv and writes dir/plugin.sig.
func Sign(dir, pluginID, keyID string, priv ed25519.PrivateKey, now time.Time) (*Signature, error) {
	hash, err := HashDir(dir)
	if err != nil {
		return nil, err
	}
	if keyID == "" {
		keyID = base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
	}
	sig := &Signature{
		PluginID:  pluginID,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(hash))),
		PublicKey: keyID,
		IssuedAt:  now.UTC(),
	}
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return nil, oops.Code(errutil.CodeSecurityViolation).Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(dir, SignatureFile), data, 0o600); err != nil {
		return nil, oops.Code(errutil.CodeSecurityViolation).With("path", dir).Wrap(err)
	}
	return sig, nil
}

// resolveKey finds the trusted key named by ref, either by id or by value.
func (m *Manager) resolveKey(ref string) (ed25519.PublicKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if key, ok := m.trusted[ref]; ok {
		return key, true
	}
	raw, err := base64.StdEncoding.DecodeString(ref)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, false
	}
	for _, key := range m.trusted {
		if key.Equal(ed25519.PublicKey(raw)) {
			return key, true
		}
	}
	return nil, false
}

// VerifySignature succeeds without reading anything unless the policy
// bound to pluginID requires code signing. Then dir/plugin.sig must name
// pluginID, reference a trusted key and carry a valid ed25519 signature
// over the current content hash.
func (m *Manager) VerifySignature(pluginID, dir string) error {
	p, _ := m.Policy(pluginID)
	if !p.CodeSigningRequired {
		return nil
	}
	_, err := m.CheckSignature(pluginID, dir)
	return err
}

// CheckSignature verifies dir/plugin.sig regardless of policy and returns
// it with Verified set.
func (m *Manager) CheckSignature(pluginID, dir string) (*Signature, error) {
	fail := oops.Code(errutil.CodeSecurityViolation).In("security").With("plugin", pluginID)

	sig, err := ReadSignature(dir)
	if err != nil {
		return nil, oops.In("security").With("plugin", pluginID).Wrap(err)
	}
	if sig.PluginID != pluginID {
		return nil, fail.With("signed_for", sig.PluginID).Errorf("signature was issued for another plugin")
	}
	key, ok := m.resolveKey(sig.PublicKey)
	if !ok {
		return nil, fail.With("public_key", sig.PublicKey).Errorf("signature key is not trusted")
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return nil, fail.Errorf("signature is not a base64 ed25519 signature")
	}
	hash, err := m.CalculateHash(dir)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(key, []byte(hash), raw) {
		return nil, fail.With("hash", hash).Errorf("signature does not match plugin content")
	}
	sig.Verified = true
	return sig, nil
}
