package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	cryptosubtle "crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// JWE "enc" values used by the two SDK platforms.
const (
	EncA128CBCHS256 = "A128CBC-HS256"
	EncA128GCM      = "A128GCM"
)

// Header is the JWE protected header carried by challenge messages.
// The kid is the ACS transaction id and is the only handle used to
// locate the transaction when a CReq arrives.
type Header struct {
	Alg string `json:"alg"`
	Enc string `json:"enc"`
	Kid string `json:"kid"`
}

// Codec encrypts and decrypts compact JWE tokens for one platform
// dialect. Both sides derive the same 32-byte key; how it is sliced
// into cipher and MAC keys is dialect-specific.
type Codec interface {
	Enc() string
	Encrypt(plaintext []byte, kid string, derivedKey []byte) (string, error)
	Decrypt(token string, derivedKey []byte) ([]byte, error)
}

// CodecForEnc returns the codec for a JWE "enc" header value.
func CodecForEnc(enc string) (Codec, error) {
	switch enc {
	case EncA128CBCHS256:
		return cbcHMACCodec{}, nil
	case EncA128GCM:
		return gcmCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported encryption algorithm: %s", enc)
}

// ParseHeader decodes the protected header of a compact JWE without
// performing any cryptographic work.
func ParseHeader(token string) (*Header, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		return nil, fmt.Errorf("invalid JWE structure: expected 5 parts, got %d", len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid JWE header encoding: %w", err)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("invalid JWE header JSON: %w", err)
	}
	return &h, nil
}

// splitToken decodes the IV, ciphertext, and tag segments. The second
// segment (encrypted key) stays empty under direct key agreement.
func splitToken(token string) (headerB64 string, iv, ct, tag []byte, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		return "", nil, nil, nil, fmt.Errorf("invalid JWE structure: expected 5 parts, got %d", len(parts))
	}
	if iv, err = base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return "", nil, nil, nil, fmt.Errorf("invalid JWE IV encoding: %w", err)
	}
	if ct, err = base64.RawURLEncoding.DecodeString(parts[3]); err != nil {
		return "", nil, nil, nil, fmt.Errorf("invalid JWE ciphertext encoding: %w", err)
	}
	if tag, err = base64.RawURLEncoding.DecodeString(parts[4]); err != nil {
		return "", nil, nil, nil, fmt.Errorf("invalid JWE tag encoding: %w", err)
	}
	return parts[0], iv, ct, tag, nil
}

func encodeHeader(enc, kid string) (string, error) {
	raw, err := json.Marshal(Header{Alg: "dir", Enc: enc, Kid: kid})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func assemble(headerB64 string, iv, ct, tag []byte) string {
	return strings.Join([]string{
		headerB64,
		"", // empty encrypted key for alg=dir
		base64.RawURLEncoding.EncodeToString(iv),
		base64.RawURLEncoding.EncodeToString(ct),
		base64.RawURLEncoding.EncodeToString(tag),
	}, ".")
}

// cbcHMACCodec is the Android dialect: AES-128-CBC with PKCS#7 padding
// and a truncated HMAC-SHA-256 tag. The HMAC key is derivedKey[0:16]
// and the AES key derivedKey[16:32]; the tag is the first 16 bytes of
// HMAC(AAD || IV || CT || u64_be(|AAD| in bits)) where AAD is the
// ASCII of the base64url protected header.
type cbcHMACCodec struct{}

func (cbcHMACCodec) Enc() string { return EncA128CBCHS256 }

func (cbcHMACCodec) Encrypt(plaintext []byte, kid string, derivedKey []byte) (string, error) {
	if len(derivedKey) != 32 {
		return "", fmt.Errorf("invalid derived key length: %d (expected 32)", len(derivedKey))
	}
	hmacKey := derivedKey[0:16]
	aesKey := derivedKey[16:32]

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", err
	}
	padLen := aes.BlockSize - (len(plaintext) % aes.BlockSize)
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	headerB64, err := encodeHeader(EncA128CBCHS256, kid)
	if err != nil {
		return "", err
	}
	tag := cbcTag(hmacKey, []byte(headerB64), iv, ct)
	return assemble(headerB64, iv, ct, tag), nil
}

func (cbcHMACCodec) Decrypt(token string, derivedKey []byte) ([]byte, error) {
	if len(derivedKey) != 32 {
		return nil, fmt.Errorf("invalid derived key length: %d (expected 32)", len(derivedKey))
	}
	hmacKey := derivedKey[0:16]
	aesKey := derivedKey[16:32]

	headerB64, iv, ct, tag, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid IV length: %d (expected %d)", len(iv), aes.BlockSize)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a positive multiple of the block size", len(ct))
	}

	// Verify the tag before touching the ciphertext.
	expected := cbcTag(hmacKey, []byte(headerB64), iv, ct)
	if !hmac.Equal(tag, expected) {
		return nil, fmt.Errorf("authentication tag mismatch")
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	// Constant-time PKCS#7 validation.
	padLen := int(pt[len(pt)-1])
	good := 1
	if padLen < 1 || padLen > aes.BlockSize {
		good = 0
	}
	for i := 0; i < aes.BlockSize; i++ {
		if i < padLen && good == 1 {
			if cryptosubtle.ConstantTimeByteEq(pt[len(pt)-1-i], byte(padLen)) != 1 {
				good = 0
			}
		}
	}
	if good != 1 {
		return nil, fmt.Errorf("invalid PKCS7 padding")
	}
	return pt[:len(pt)-padLen], nil
}

// cbcTag computes the truncated A128CBC-HS256 authentication tag.
func cbcTag(hmacKey, aad, iv, ct []byte) []byte {
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ct)
	var aadBits [8]byte
	binary.BigEndian.PutUint64(aadBits[:], uint64(len(aad))*8)
	mac.Write(aadBits[:])
	return mac.Sum(nil)[:16]
}

// gcmCodec is the iOS dialect: AES-128-GCM with a 12-byte nonce and
// the protected header as AAD. The key slices are asymmetric on
// purpose: decryption uses derivedKey[0:16] and encryption uses
// derivedKey[16:32], matching the key schedule observed in the peer
// SDK. Do not "fix" this without re-testing against the SDK.
type gcmCodec struct{}

const gcmNonceLen = 12

func (gcmCodec) Enc() string { return EncA128GCM }

func (gcmCodec) Encrypt(plaintext []byte, kid string, derivedKey []byte) (string, error) {
	if len(derivedKey) < 32 {
		return "", fmt.Errorf("insufficient key material: %d bytes (need 32)", len(derivedKey))
	}
	key := derivedKey[16:32]

	iv := make([]byte, gcmNonceLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	headerB64, err := encodeHeader(EncA128GCM, kid)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, plaintext, []byte(headerB64))
	ct := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]

	return assemble(headerB64, iv, ct, tag), nil
}

func (gcmCodec) Decrypt(token string, derivedKey []byte) ([]byte, error) {
	if len(derivedKey) < 16 {
		return nil, fmt.Errorf("insufficient key material: %d bytes (need 16)", len(derivedKey))
	}
	key := derivedKey[0:16]

	headerB64, iv, ct, tag, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	if len(iv) < gcmNonceLen {
		return nil, fmt.Errorf("IV too short for GCM: %d bytes (need %d)", len(iv), gcmNonceLen)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, iv[:gcmNonceLen], append(ct, tag...), []byte(headerB64))
	if err != nil {
		return nil, fmt.Errorf("GCM decryption failed: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
