package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Platform selects the SDK dialect: it decides both the JWE encryption
// algorithm and the sdkReferenceNumber mixed into the KDF.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Per-platform SDK reference numbers registered with EMVCo. These feed
// the ConcatKDF partyVInfo and must match the SDK byte for byte.
const (
	sdkRefNumberAndroid = "3DS_LOA_SDK_JTPL_020200_00788"
	sdkRefNumberIOS     = "3DS_LOA_SDK_JTPL_020200_00805"
)

// PlatformFromEnc maps a JWE "enc" header value to the SDK platform.
// Anything other than the two known algorithms is rejected before any
// cryptographic work happens.
func PlatformFromEnc(enc string) (Platform, error) {
	switch enc {
	case EncA128CBCHS256:
		return PlatformAndroid, nil
	case EncA128GCM:
		return PlatformIOS, nil
	}
	return "", fmt.Errorf("unsupported encryption algorithm: %s", enc)
}

// DeriveKey computes the 32-byte challenge key from the SDK public JWK
// (JSON string) and the ACS private scalar (base64url), per the EMVCo
// single-step ConcatKDF:
//
//	DerivedKey = SHA-256(counter || Z || OtherInfo)
//	OtherInfo  = algorithmID || partyUInfo || partyVInfo || suppPubInfo
//
// algorithmID and partyUInfo are four zero bytes each, partyVInfo is
// u32-length-prefixed ASCII of the platform sdkReferenceNumber, and
// suppPubInfo is u32(256). Callers slice the result per JWE dialect.
func DeriveKey(sdkPublicKeyJWK, acsPrivateKey string, platform Platform) ([]byte, error) {
	sdkPub, err := parsePublicJWK(sdkPublicKeyJWK)
	if err != nil {
		return nil, fmt.Errorf("parsing SDK public key: %w", err)
	}
	acsPriv, err := parsePrivateScalar(acsPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing ACS private key: %w", err)
	}

	var refNumber string
	switch platform {
	case PlatformAndroid:
		refNumber = sdkRefNumberAndroid
	case PlatformIOS:
		refNumber = sdkRefNumberIOS
	default:
		return nil, fmt.Errorf("unsupported platform: %s (supported: android, ios)", platform)
	}

	// Z is the 32-byte x-coordinate of the shared point.
	z, err := acsPriv.ECDH(sdkPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH agreement: %w", err)
	}

	h := sha256.New()

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], 1)
	h.Write(u32[:]) // counter
	h.Write(z)

	h.Write([]byte{0, 0, 0, 0}) // algorithmID
	h.Write([]byte{0, 0, 0, 0}) // partyUInfo

	binary.BigEndian.PutUint32(u32[:], uint32(len(refNumber)))
	h.Write(u32[:])
	h.Write([]byte(refNumber)) // partyVInfo

	binary.BigEndian.PutUint32(u32[:], 256)
	h.Write(u32[:]) // suppPubInfo

	return h.Sum(nil), nil
}
