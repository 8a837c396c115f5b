package acs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"acs/internal/crypto"
	"acs/internal/store"
)

// ChallengeError is a mobile challenge failure the HTTP layer turns
// into an {errorCode, errorDescription} body with the given status.
type ChallengeError struct {
	Status      int
	Description string
}

func (e *ChallengeError) Error() string { return e.Description }

func challengeErr(status int, description string) *ChallengeError {
	return &ChallengeError{Status: status, Description: description}
}

// MobileChallenge runs the encrypted challenge exchange with a mobile
// SDK. The body is a compact JWE; the kid in its protected header is
// the ACS transaction id and the enc value selects the platform
// dialect. The response is a JWE in the same dialect.
func (s *Service) MobileChallenge(ctx context.Context, body []byte) (string, error) {
	jweData := string(body)
	s.log.Info("processing mobile challenge request", zap.Int("bodyLength", len(jweData)))

	// SDKs occasionally post their own JSON error payload here.
	trimmed := strings.TrimSpace(jweData)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		s.log.Warn("received JSON instead of JWE", zap.String("body", trimmed))
		return "", challengeErr(http.StatusBadRequest, "Received JSON error response instead of JWE")
	}

	header, err := crypto.ParseHeader(jweData)
	if err != nil {
		s.log.Error("invalid JWE", zap.Error(err))
		return "", challengeErr(http.StatusBadRequest, "Invalid JWE format")
	}
	if header.Kid == "" {
		return "", challengeErr(http.StatusBadRequest, "Missing kid in JWE header")
	}

	// A 35-char kid is a known SDK bug: one character of the UUID is
	// lost in transit. Logged for diagnosis; the parse below rejects it.
	if len(header.Kid) == 35 {
		s.log.Warn("detected truncated UUID in kid",
			zap.String("kid", header.Kid),
			zap.Int("length", len(header.Kid)))
	}
	acsTransID, err := uuid.Parse(header.Kid)
	if err != nil {
		s.log.Error("invalid kid", zap.String("kid", header.Kid), zap.Error(err))
		return "", challengeErr(http.StatusBadRequest, fmt.Sprintf("Invalid kid format: %s", header.Kid))
	}

	platform, err := crypto.PlatformFromEnc(header.Enc)
	if err != nil {
		s.log.Error("unsupported enc", zap.String("enc", header.Enc))
		return "", challengeErr(http.StatusBadRequest, "Unsupported encryption algorithm")
	}
	codec, err := crypto.CodecForEnc(header.Enc)
	if err != nil {
		return "", challengeErr(http.StatusBadRequest, "Unsupported encryption algorithm")
	}

	serverTransID, raw, err := s.store.FindByACSTransID(ctx, acsTransID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warn("transaction not found", zap.Stringer("acsTransID", acsTransID))
			return "", challengeErr(http.StatusNotFound, "Transaction not found")
		}
		s.log.Error("transaction lookup failed", zap.Error(err))
		return "", challengeErr(http.StatusInternalServerError, "Internal server error")
	}
	var txn Transaction
	if err := json.Unmarshal(raw, &txn); err != nil {
		s.log.Error("corrupt transaction record", zap.Error(err))
		return "", challengeErr(http.StatusInternalServerError, "Internal server error")
	}

	if txn.SDKEphemeralPublicKey == nil || txn.EphemeralKeys == nil {
		s.log.Warn("missing ephemeral keys for ECDH",
			zap.Stringer("acsTransID", acsTransID))
		return "", challengeErr(http.StatusBadRequest, "Missing ephemeral keys for ECDH")
	}

	derivedKey, err := crypto.DeriveKey(*txn.SDKEphemeralPublicKey, txn.EphemeralKeys.PrivateKey, platform)
	if err != nil {
		s.log.Error("key derivation failed", zap.Error(err))
		return "", challengeErr(http.StatusBadRequest, "Failed to derive shared key")
	}

	plaintext, err := codec.Decrypt(jweData, derivedKey)
	if err != nil {
		s.log.Error("challenge request decryption failed", zap.Error(err))
		return "", challengeErr(http.StatusBadRequest, "Failed to decrypt challenge request")
	}
	var creq MobileCReq
	if err := json.Unmarshal(plaintext, &creq); err != nil {
		s.log.Error("decrypted payload is not a CReq", zap.Error(err))
		return "", challengeErr(http.StatusBadRequest, "Failed to decrypt challenge request")
	}

	s.log.Debug("decrypted challenge request",
		zap.String("messageType", creq.MessageType),
		zap.String("messageVersion", creq.MessageVersion),
		zap.String("sdkCounterStoA", creq.SDKCounterStoA))

	var cres any
	if creq.ChallengeDataEntry != nil {
		cres = s.finishMobileChallenge(ctx, &txn, serverTransID, header.Kid, &creq)
	} else {
		cres = s.promptMobileChallenge(&txn, serverTransID, header.Kid, &creq)
	}

	cresJSON, err := json.Marshal(cres)
	if err != nil {
		return "", challengeErr(http.StatusInternalServerError, "Failed to encrypt response")
	}
	encrypted, err := codec.Encrypt(cresJSON, header.Kid, derivedKey)
	if err != nil {
		s.log.Error("challenge response encryption failed", zap.Error(err))
		return "", challengeErr(http.StatusInternalServerError, "Failed to encrypt response")
	}
	return encrypted, nil
}

// promptMobileChallenge answers the initial CReq with the OTP form
// description.
func (s *Service) promptMobileChallenge(txn *Transaction, serverTransID uuid.UUID, kid string, creq *MobileCReq) *MobilePromptCRes {
	if creq.SDKCounterStoA != "000" {
		s.log.Warn("unexpected SDK counter for initial challenge",
			zap.String("sdkCounterStoA", creq.SDKCounterStoA),
			zap.String("expected", "000"))
	}
	return &MobilePromptCRes{
		ACSTransID:                kid,
		ACSCounterAtoS:            "000",
		ACSUiType:                 "01",
		ChallengeCompletionInd:    "N",
		ChallengeInfoHeader:       "Authentication Required",
		ChallengeInfoLabel:        "Enter OTP:",
		MessageType:               "CRes",
		MessageVersion:            messageVersion,
		SDKTransID:                sdkTransIDString(txn.SDKTransID),
		ThreeDSServerTransID:      serverTransID.String(),
		SubmitAuthenticationLabel: "Submit",
	}
}

// finishMobileChallenge validates the submitted OTP, records the
// outcome through the results path, and builds the terminal CRes.
func (s *Service) finishMobileChallenge(ctx context.Context, txn *Transaction, serverTransID uuid.UUID, kid string, creq *MobileCReq) *MobileFinalCRes {
	if creq.SDKCounterStoA != "001" {
		s.log.Warn("unexpected SDK counter for OTP submission",
			zap.String("sdkCounterStoA", creq.SDKCounterStoA),
			zap.String("expected", "001"))
	}

	transStatus, eci, authValue := otpOutcome(*creq.ChallengeDataEntry)
	s.log.Info("OTP validated",
		zap.String("transStatus", transStatus),
		zap.String("eci", eci))

	msgVersion := creq.MessageVersion
	if msgVersion == "" {
		msgVersion = messageVersion
	}
	rreq := buildResultsRequest(txn, serverTransID, msgVersion, transStatus, eci, authValue)
	if _, err := s.Results(ctx, rreq); err != nil {
		// The SDK still gets its CRes; the 3DS Server will surface the
		// missing results on /3ds/final.
		s.log.Warn("failed to record challenge results", zap.Error(err))
	}

	return &MobileFinalCRes{
		ACSCounterAtoS:         "001",
		ACSTransID:             kid,
		ChallengeCompletionInd: "Y",
		MessageType:            "CRes",
		MessageVersion:         msgVersion,
		SDKTransID:             sdkTransIDString(txn.SDKTransID),
		ThreeDSServerTransID:   serverTransID.String(),
		TransStatus:            transStatus,
	}
}

func sdkTransIDString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
