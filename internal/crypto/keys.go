// Package crypto implements the cryptographic core of the mock ACS:
// ephemeral P-256 key agreement with the EMVCo ConcatKDF, the two SDK
// JWE dialects (A128CBC-HS256 and A128GCM), and the PS256 signed
// content JWT that binds the ACS ephemeral key to a transaction.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PublicKeyJWK is a P-256 public key in JWK form. Coordinates are
// base64url without padding, 32 bytes each once decoded.
type PublicKeyJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// EphemeralKeyPair is an ACS-side ephemeral P-256 pair as persisted on
// the transaction record. The private scalar is base64url without
// padding.
type EphemeralKeyPair struct {
	PrivateKey string       `json:"privateKey"`
	PublicKey  PublicKeyJWK `json:"publicKey"`
}

const coordLen = 32

// GenerateEphemeralKeyPair creates a fresh P-256 pair for one mobile
// challenge transaction.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating P-256 key: %w", err)
	}

	// Uncompressed point: 0x04 || x || y
	pub := priv.PublicKey().Bytes()
	x := pub[1 : 1+coordLen]
	y := pub[1+coordLen:]

	return &EphemeralKeyPair{
		PrivateKey: base64.RawURLEncoding.EncodeToString(priv.Bytes()),
		PublicKey: PublicKeyJWK{
			Kty: "EC",
			Crv: "P-256",
			X:   base64.RawURLEncoding.EncodeToString(x),
			Y:   base64.RawURLEncoding.EncodeToString(y),
		},
	}, nil
}

// parsePublicJWK reconstructs an ECDH public key from JWK JSON. The
// curve check in NewPublicKey rejects off-curve points.
func parsePublicJWK(jwkJSON string) (*ecdh.PublicKey, error) {
	var jwk PublicKeyJWK
	if err := json.Unmarshal([]byte(jwkJSON), &jwk); err != nil {
		return nil, fmt.Errorf("invalid JWK JSON: %w", err)
	}
	x, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("invalid JWK x value: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("invalid JWK y value: %w", err)
	}
	if len(x) != coordLen || len(y) != coordLen {
		return nil, fmt.Errorf("invalid JWK coordinate length: x=%d y=%d (expected %d)", len(x), len(y), coordLen)
	}

	uncompressed := make([]byte, 1+len(x)+len(y))
	uncompressed[0] = 0x04
	copy(uncompressed[1:], x)
	copy(uncompressed[1+len(x):], y)

	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 public key: %w", err)
	}
	return pub, nil
}

// parsePrivateScalar loads a base64url P-256 scalar.
func parsePrivateScalar(d string) (*ecdh.PrivateKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(d)
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	if len(raw) != coordLen {
		return nil, fmt.Errorf("invalid private key length: %d (expected %d)", len(raw), coordLen)
	}
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	return priv, nil
}
