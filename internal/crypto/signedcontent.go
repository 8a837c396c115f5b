package crypto

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SignedContentParams describes one acsSignedContent JWT. The payload
// binds the ACS ephemeral public key to the transaction so the SDK can
// derive the challenge key.
type SignedContentParams struct {
	ACSTransID   string
	ACSRefNumber string
	ACSURL       string
	EphemPubKey  PublicKeyJWK
}

// SignACSContent builds the PS256 acsSignedContent JWT. The header
// carries typ=JWT and an x5c chain holding the leaf certificate.
func SignACSContent(p SignedContentParams, certPath, keyPath string) (string, error) {
	certB64, err := loadCertificate(certPath)
	if err != nil {
		return "", fmt.Errorf("loading certificate: %w", err)
	}
	key, err := loadSigningKey(keyPath)
	if err != nil {
		return "", fmt.Errorf("loading signing key: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodPS256, jwt.MapClaims{
		"acsTransID":     p.ACSTransID,
		"acsRefNumber":   p.ACSRefNumber,
		"acsURL":         p.ACSURL,
		"acsEphemPubKey": p.EphemPubKey,
	})
	token.Header["typ"] = "JWT"
	token.Header["x5c"] = []string{certB64}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing content: %w", err)
	}
	return signed, nil
}

// loadCertificate reads a PEM certificate and returns its DER payload
// as one base64 string for the x5c header.
func loadCertificate(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		b.WriteString(line)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("no certificate data in %s", path)
	}
	return b.String(), nil
}

// loadSigningKey loads a private key from PEM, trying PKCS#8, PKCS#1
// RSA, and SEC 1 EC encodings in that order.
func loadSigningKey(path string) (any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key format in %s", path)
}
