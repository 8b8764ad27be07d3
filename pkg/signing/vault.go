package signing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// ErrNoKeyMaterial is returned when the vault has no private key for an id.
var ErrNoKeyMaterial = errors.New("signing: no key material for key id")

const hkdfInfo = "papa-ledger-keystore-v1"

type vaultFile struct {
	Version int                   `json:"version"`
	Salt    string                `json:"salt"`
	Keys    map[string]vaultEntry `json:"keys"`
}

type vaultEntry struct {
	Algorithm  Algorithm `json:"algorithm"`
	PrivateKey string    `json:"private_key"` // "enc:<base64(nonce+ct)>" or "plain:<base64>"
	PublicKey  string    `json:"public_key"`  // base64 PKIX DER
}

// Vault is a file-backed private key store (0600). With a secret, private keys
// are sealed with AES-256-GCM under a key derived by HKDF-SHA256; keys are
// never deleted so archived and revoked signatures stay verifiable.
type Vault struct {
	mu   sync.RWMutex
	path string
	aead cipher.AEAD
	file vaultFile
}

// OpenVault loads or creates the keystore at path.
func OpenVault(path, secret string) (*Vault, error) {
	v := &Vault{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("signing: create keystore dir: %w", err)
		}
		salt := make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("signing: salt: %w", err)
		}
		v.file = vaultFile{Version: 1, Salt: base64.StdEncoding.EncodeToString(salt), Keys: map[string]vaultEntry{}}
	case err != nil:
		return nil, fmt.Errorf("signing: read keystore: %w", err)
	default:
		if err := json.Unmarshal(data, &v.file); err != nil {
			return nil, fmt.Errorf("signing: parse keystore: %w", err)
		}
		if v.file.Keys == nil {
			v.file.Keys = map[string]vaultEntry{}
		}
	}

	if secret == "" {
		slog.Default().With("component", "signing").Warn("KEYSTORE_SECRET not set, private keys are stored unencrypted", "path", path)
	} else {
		salt, err := base64.StdEncoding.DecodeString(v.file.Salt)
		if err != nil {
			return nil, fmt.Errorf("signing: decode keystore salt: %w", err)
		}
		if v.aead, err = deriveAEAD(secret, salt); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func deriveAEAD(secret string, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("signing: HKDF derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("signing: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Put stores key material for keyID and persists the file.
func (v *Vault) Put(keyID string, alg Algorithm, privDER, pubDER []byte) error {
	sealed, err := v.seal(keyID, privDER)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.file.Keys[keyID] = vaultEntry{
		Algorithm:  alg,
		PrivateKey: sealed,
		PublicKey:  base64.StdEncoding.EncodeToString(pubDER),
	}
	return v.persist()
}

// PrivateKey returns the PKCS#8 DER private key for keyID.
func (v *Vault) PrivateKey(keyID string) (Algorithm, []byte, error) {
	v.mu.RLock()
	entry, ok := v.file.Keys[keyID]
	v.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w %s", ErrNoKeyMaterial, keyID)
	}
	priv, err := v.open(keyID, entry.PrivateKey)
	if err != nil {
		return "", nil, err
	}
	return entry.Algorithm, priv, nil
}

// PublicKey returns the PKIX DER public key for keyID.
func (v *Vault) PublicKey(keyID string) (Algorithm, []byte, error) {
	v.mu.RLock()
	entry, ok := v.file.Keys[keyID]
	v.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w %s", ErrNoKeyMaterial, keyID)
	}
	pub, err := base64.StdEncoding.DecodeString(entry.PublicKey)
	if err != nil {
		return "", nil, fmt.Errorf("signing: decode public key %s: %w", keyID, err)
	}
	return entry.Algorithm, pub, nil
}

func (v *Vault) seal(keyID string, plaintext []byte) (string, error) {
	if v.aead == nil {
		return "plain:" + base64.StdEncoding.EncodeToString(plaintext), nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("signing: nonce: %w", err)
	}
	// The key id is bound as additional data so entries cannot be swapped.
	ct := v.aead.Seal(nonce, nonce, plaintext, []byte(keyID))
	return "enc:" + base64.StdEncoding.EncodeToString(ct), nil
}

func (v *Vault) open(keyID, stored string) ([]byte, error) {
	scheme, payload, ok := strings.Cut(stored, ":")
	if !ok {
		return nil, fmt.Errorf("signing: malformed key entry %s", keyID)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("signing: decode key entry %s: %w", keyID, err)
	}
	switch scheme {
	case "plain":
		return raw, nil
	case "enc":
		if v.aead == nil {
			return nil, fmt.Errorf("signing: key %s is encrypted but no keystore secret is configured", keyID)
		}
		if len(raw) < v.aead.NonceSize() {
			return nil, errors.New("signing: ciphertext too short")
		}
		nonce, ct := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
		pt, err := v.aead.Open(nil, nonce, ct, []byte(keyID))
		if err != nil {
			return nil, fmt.Errorf("signing: unseal key %s: %w", keyID, err)
		}
		return pt, nil
	}
	return nil, fmt.Errorf("signing: unknown key entry scheme %q", scheme)
}

func (v *Vault) persist() error {
	data, err := json.MarshalIndent(v.file, "", "  ")
	if err != nil {
		return fmt.Errorf("signing: marshal keystore: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("signing: write keystore: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("signing: write keystore: %w", err)
	}
	return nil
}
