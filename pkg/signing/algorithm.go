package signing

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Algorithm names a supported signature scheme.
type Algorithm string

const (
	Ed25519   Algorithm = "ed25519"
	ECDSAP256 Algorithm = "ecdsa-p256"
)

// ParseAlgorithm defaults the empty string to Ed25519.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", Ed25519:
		return Ed25519, nil
	case ECDSAP256:
		return ECDSAP256, nil
	}
	return "", fmt.Errorf("signing: unsupported algorithm %q", s)
}

// generateKey returns PKCS#8 private and PKIX public DER encodings.
func generateKey(alg Algorithm) (priv, pub []byte, err error) {
	var sk, pk any
	switch alg {
	case Ed25519:
		edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("signing: key generation failed: %w", err)
		}
		sk, pk = edPriv, edPub
	case ECDSAP256:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("signing: key generation failed: %w", err)
		}
		sk, pk = k, &k.PublicKey
	default:
		return nil, nil, fmt.Errorf("signing: unsupported algorithm %q", alg)
	}

	priv, err = x509.MarshalPKCS8PrivateKey(sk)
	if err != nil {
		return nil, nil, fmt.Errorf("signing: encode private key: %w", err)
	}
	pub, err = x509.MarshalPKIXPublicKey(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("signing: encode public key: %w", err)
	}
	return priv, pub, nil
}

// signDigest signs a 32-byte SHA-256 digest. ECDSA signatures are ASN.1 DER.
func signDigest(alg Algorithm, privDER, digest []byte) ([]byte, error) {
	key, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("signing: parse private key: %w", err)
	}
	switch k := key.(type) {
	case ed25519.PrivateKey:
		if alg != Ed25519 {
			break
		}
		return ed25519.Sign(k, digest), nil
	case *ecdsa.PrivateKey:
		if alg != ECDSAP256 {
			break
		}
		return ecdsa.SignASN1(rand.Reader, k, digest)
	}
	return nil, fmt.Errorf("signing: key material does not match algorithm %q", alg)
}

// verifyDigest never errors: any malformed input is simply not a valid signature.
func verifyDigest(alg Algorithm, pubDER, digest, sig []byte) bool {
	key, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return false
	}
	switch k := key.(type) {
	case ed25519.PublicKey:
		return alg == Ed25519 && len(sig) == ed25519.SignatureSize && ed25519.Verify(k, digest, sig)
	case *ecdsa.PublicKey:
		return alg == ECDSAP256 && ecdsa.VerifyASN1(k, digest, sig)
	}
	return false
}

// PublicKeyPEM renders a PKIX public key for third-party verifiers.
func PublicKeyPEM(pubDER []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
}
