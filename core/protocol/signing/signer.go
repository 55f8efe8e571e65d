package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// Algorithm is the only signature algorithm the protocol accepts.
const Algorithm = "ed25519"

var (
	ErrBadKeyLength       = errors.New("signing key has wrong length")
	ErrBadSignatureLength = errors.New("signature has wrong length")
	ErrBadSignature       = errors.New("signature verification failed")
)

// Signer produces detached Ed25519 signatures over canonical strings.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner decodes a base64 Ed25519 private key (64 bytes).
func NewSigner(secretKeyB64 string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(secretKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, ErrBadKeyLength
	}
	return &Signer{priv: ed25519.PrivateKey(raw)}, nil
}

// Sign returns the base64 detached signature over the canonical string.
func (s *Signer) Sign(canonical string) string {
	sig := ed25519.Sign(s.priv, []byte(canonical))
	return base64.StdEncoding.EncodeToString(sig)
}

// PublicKey returns the base64 public half of the signing key.
func (s *Signer) PublicKey() string {
	pub := s.priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

// SignCall canonicalizes the call and signs it in one step.
func (s *Signer) SignCall(p CallParams) (string, error) {
	canonical, err := CanonicalString(p)
	if err != nil {
		return "", err
	}
	return s.Sign(canonical), nil
}

// Verify checks a base64 detached signature against the canonical string the
// verifier built independently. Any decode failure, length mismatch or
// signature mismatch fails closed.
func Verify(publicKeyB64, signatureB64, canonical string) error {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return ErrBadKeyLength
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return ErrBadSignatureLength
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(canonical), sig) {
		return ErrBadSignature
	}
	return nil
}
