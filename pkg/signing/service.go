package signing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yrippert-maker/papa-app-sub003/pkg/canonicalize"
	"github.com/yrippert-maker/papa-app-sub003/pkg/observability"
)

// Signature is a detached signature and the key that produced it.
type Signature struct {
	KeyID     string    `json:"key_id"`
	Value     string    `json:"signature"`
	Algorithm Algorithm `json:"algorithm"`
}

// Inspection is a verification result with the key's compromise context.
type Inspection struct {
	Valid            bool       `json:"valid"`
	KeyID            string     `json:"key_id"`
	KeyStatus        KeyStatus  `json:"key_status,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason *string    `json:"revocation_reason,omitempty"`
}

// Revoked reports whether the signing key has been revoked.
func (i Inspection) Revoked() bool { return i.KeyStatus == StatusRevoked }

// PublicKeyInfo is what third parties need to verify a signature.
type PublicKeyInfo struct {
	KeyID     string    `json:"key_id"`
	Algorithm Algorithm `json:"algorithm"`
	Status    KeyStatus `json:"status"`
	PEM       string    `json:"public_key_pem"`
}

// Rotation is the outcome of Rotate.
type Rotation struct {
	Archived *KeyRecord `json:"archived,omitempty"`
	Active   KeyRecord  `json:"active"`
}

// Service is the evidence signing service.
type Service struct {
	mu        sync.Mutex
	meta      MetadataStore
	vault     *Vault
	algorithm Algorithm
	now       func() time.Time
	logger    *slog.Logger
}

func NewService(meta MetadataStore, vault *Vault, alg Algorithm) *Service {
	if alg == "" {
		alg = Ed25519
	}
	return &Service{
		meta:      meta,
		vault:     vault,
		algorithm: alg,
		now:       time.Now,
		logger:    slog.Default().With("component", "signing"),
	}
}

// WithClock overrides the timestamp source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// EnsureActiveKey returns the active key, generating and persisting one on first use.
func (s *Service) EnsureActiveKey(ctx context.Context) (KeyRecord, error) {
	if k, err := s.meta.Active(ctx); err != nil || k != nil {
		if err != nil {
			return KeyRecord{}, err
		}
		return *k, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.meta.Active(ctx)
	if err != nil {
		return KeyRecord{}, err
	}
	if k != nil {
		return *k, nil
	}

	rec, err := s.newKey()
	if err != nil {
		return KeyRecord{}, err
	}
	err = s.meta.Activate(ctx, "", rec, rec.CreatedAt)
	if errors.Is(err, ErrStaleActiveKey) {
		// another process won the first-use race
		if k, err := s.meta.Active(ctx); err == nil && k != nil {
			return *k, nil
		}
	}
	if err != nil {
		return KeyRecord{}, err
	}
	s.logger.InfoContext(ctx, "generated initial signing key", "key_id", rec.KeyID, "algorithm", rec.Algorithm)
	rec.Status = StatusActive
	return rec, nil
}

// ActiveKeyID returns the id of the active key.
func (s *Service) ActiveKeyID(ctx context.Context) (string, error) {
	k, err := s.EnsureActiveKey(ctx)
	if err != nil {
		return "", err
	}
	return k.KeyID, nil
}

// Sign signs a SHA-256 hex digest with the active key. Signatures are
// lowercase hex.
func (s *Service) Sign(ctx context.Context, hash string) (Signature, error) {
	if !canonicalize.IsHexDigest(hash) {
		return Signature{}, ErrInvalidHash
	}
	active, sign, err := s.boundSigner(ctx)
	if err != nil {
		return Signature{}, err
	}
	sig, keyID, err := sign(hash)
	if err != nil {
		return Signature{}, err
	}
	return Signature{KeyID: keyID, Value: sig, Algorithm: active.Algorithm}, nil
}

// PrepareSigner resolves the active key, generating it on first use, and
// returns a signer bound to it that only does in-memory crypto.
func (s *Service) PrepareSigner(ctx context.Context) (func(hash string) (string, string, error), error) {
	_, sign, err := s.boundSigner(ctx)
	return sign, err
}

func (s *Service) boundSigner(ctx context.Context) (KeyRecord, func(hash string) (string, string, error), error) {
	active, err := s.EnsureActiveKey(ctx)
	if err != nil {
		return KeyRecord{}, nil, err
	}
	alg, priv, err := s.vault.PrivateKey(active.KeyID)
	if err != nil {
		return KeyRecord{}, nil, err
	}
	active.Algorithm = alg
	sign := func(hash string) (string, string, error) {
		if !canonicalize.IsHexDigest(hash) {
			return "", "", ErrInvalidHash
		}
		digest, _ := hex.DecodeString(hash)
		sig, err := signDigest(alg, priv, digest)
		if err != nil {
			return "", "", err
		}
		return hex.EncodeToString(sig), active.KeyID, nil
	}
	return active, sign, nil
}

// Verify checks sigHex over hash with keyID, or the active key when keyID is
// empty. It never errors: tampered input, unknown keys and malformed hex all
// yield false. Revoked keys still verify mathematically; use Inspect to
// surface their status.
func (s *Service) Verify(ctx context.Context, hash, sigHex, keyID string) bool {
	return s.Inspect(ctx, hash, sigHex, keyID).Valid
}

// Inspect verifies and reports the key's lifecycle status.
func (s *Service) Inspect(ctx context.Context, hash, sigHex, keyID string) Inspection {
	ctx, span := observability.StartSpan(ctx, "signing.verify", observability.AttrKeyID.String(keyID))
	defer span.End()

	if keyID == "" {
		if k, err := s.meta.Active(ctx); err == nil && k != nil {
			keyID = k.KeyID
		}
	}
	out := Inspection{KeyID: keyID}
	if keyID == "" {
		return out
	}
	if rec, err := s.meta.Get(ctx, keyID); err == nil {
		out.KeyStatus = rec.Status
		out.RevokedAt = rec.RevokedAt
		out.RevocationReason = rec.RevocationReason
	}

	if !canonicalize.IsHexDigest(hash) {
		return out
	}
	digest, _ := hex.DecodeString(hash)
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) == 0 {
		return out
	}
	alg, pub, err := s.vault.PublicKey(keyID)
	if err != nil {
		s.logger.WarnContext(ctx, "verification against unknown key", "key_id", keyID)
		return out
	}
	out.Valid = verifyDigest(alg, pub, digest, sig)
	return out
}

// Rotate archives the active key and activates a freshly generated one.
func (s *Service) Rotate(ctx context.Context) (Rotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.meta.Active(ctx)
	if err != nil {
		return Rotation{}, err
	}
	next, err := s.newKey()
	if err != nil {
		return Rotation{}, err
	}
	expected := ""
	if current != nil {
		expected = current.KeyID
	}
	if err := s.meta.Activate(ctx, expected, next, next.CreatedAt); err != nil {
		return Rotation{}, err
	}

	out := Rotation{Active: next}
	out.Active.Status = StatusActive
	if current != nil {
		archived, err := s.meta.Get(ctx, current.KeyID)
		if err != nil {
			return Rotation{}, err
		}
		out.Archived = &archived
	}
	s.logger.InfoContext(ctx, "signing key rotated", "new_key_id", next.KeyID, "archived_key_id", expected)
	return out, nil
}

// Revoke marks an archived key revoked. The active key is refused.
func (s *Service) Revoke(ctx context.Context, keyID, reason string) (KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.meta.Revoke(ctx, keyID, reason, s.now().UTC())
	if err != nil {
		return KeyRecord{}, err
	}
	s.logger.WarnContext(ctx, "signing key revoked", "key_id", keyID, "reason", reason)
	return rec, nil
}

// ListKeys returns every key ever created, oldest first.
func (s *Service) ListKeys(ctx context.Context) ([]KeyRecord, error) {
	return s.meta.List(ctx)
}

// GetKey returns one key record.
func (s *Service) GetKey(ctx context.Context, keyID string) (KeyRecord, error) {
	return s.meta.Get(ctx, keyID)
}

// PublicKey exports a key for independent verification.
func (s *Service) PublicKey(ctx context.Context, keyID string) (PublicKeyInfo, error) {
	rec, err := s.meta.Get(ctx, keyID)
	if err != nil {
		return PublicKeyInfo{}, err
	}
	alg, pub, err := s.vault.PublicKey(keyID)
	if err != nil {
		return PublicKeyInfo{}, err
	}
	return PublicKeyInfo{KeyID: keyID, Algorithm: alg, Status: rec.Status, PEM: PublicKeyPEM(pub)}, nil
}

func (s *Service) newKey() (KeyRecord, error) {
	priv, pub, err := generateKey(s.algorithm)
	if err != nil {
		return KeyRecord{}, err
	}
	id := uuid.New().String()
	// Material lands in the vault before any metadata points at it.
	if err := s.vault.Put(id, s.algorithm, priv, pub); err != nil {
		return KeyRecord{}, fmt.Errorf("signing: persist key material: %w", err)
	}
	return KeyRecord{
		KeyID:     id,
		Algorithm: s.algorithm,
		PublicKey: hex.EncodeToString(pub),
		CreatedAt: s.now().UTC(),
	}, nil
}
