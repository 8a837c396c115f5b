package acs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"acs/internal/crypto"
	"acs/internal/store"
)

// Sentinel errors carry the exact wire messages the HTTP layer returns.
var (
	ErrMissingSDKTransID   = errors.New("sdkTransId is required for mobile flows (deviceChannel=01)")
	ErrTransactionNotFound = errors.New("Transaction not found")
	ErrResultsNotFound     = errors.New("Results not found for this transaction")
)

const (
	messageVersion = "2.2.0"

	dsReferenceNumber = "MOCK_DS"

	// Authentication value returned on the ARes; the challenge result
	// overwrites it via the results path.
	aresAuthValue = "QWErty123+/ABCD5678ghijklmn=="

	threeDSServerRefNumber  = "3DS_LOA_SER_JTPL_020200_00841"
	threeDSServerOperatorID = "10073246"
	threeDSServerResultsURL = "https://visa.3ds.certification.juspay.in/3ds/results"

	// The only OTP value accepted as a successful authentication.
	validOTP = "1234"

	defaultRedirectURL = "https://juspay.api.in.end"

	failedAuthValue = "AAAAAAAAAAAAAAAAAAAAAA=="
)

// Config carries what the flow engine needs to mint URLs and sign
// content.
type Config struct {
	// BaseURL is the externally reachable server base, no trailing slash.
	BaseURL string
	// CertPath and KeyPath locate the PS256 signing credentials.
	CertPath string
	KeyPath  string
}

// Service is the transaction flow engine. It owns the challenge
// decision, ARes construction, and the results lifecycle; the HTTP
// layer only translates errors to status codes.
type Service struct {
	store store.Store
	log   *zap.Logger
	cfg   Config
}

func NewService(st store.Store, log *zap.Logger, cfg Config) *Service {
	return &Service{store: st, log: log, cfg: cfg}
}

// successAuthValue builds the 20-byte CAVV-shaped cryptogram returned
// on a successful challenge, base64 standard encoded.
func successAuthValue() string {
	b := make([]byte, 20)
	b[0] = 0x02
	b[1] = 0x01
	for i := 2; i < 20; i++ {
		b[i] = byte((i*17 + 13 + 0x4A) % 256)
	}
	return base64.StdEncoding.EncodeToString(b)
}

// otpOutcome maps an OTP value to the challenge result triple.
func otpOutcome(otp string) (transStatus, eci, authValue string) {
	if otp == validOTP {
		return "Y", "02", successAuthValue()
	}
	return "N", "07", failedAuthValue
}

// Version returns the card range covering the PAN. The transaction id
// is informational and not persisted.
func (s *Service) Version(req *VersionRequest) *VersionResponse {
	r := CardRange{
		ACSInfoInd:              []string{"01", "02"},
		StartRange:              "4000000000000000",
		EndRange:                "4999999999999999",
		ACSStartProtocolVersion: messageVersion,
		ACSEndProtocolVersion:   messageVersion,
	}
	if len(req.CardNumber) >= 6 && req.CardNumber[:6] == "515501" {
		r.StartRange = "5155010000000000"
		r.EndRange = "5155019999999999"
	}
	return &VersionResponse{
		ThreeDSServerTransID: uuid.New(),
		CardRanges:           []CardRange{r},
	}
}

// shouldChallenge applies the flow decision, first match wins:
// challengeInd 04 forces a challenge, 05 forces frictionless, and
// otherwise the test PAN suffix decides.
func shouldChallenge(challengeInd, acctNumber string) bool {
	switch challengeInd {
	case "04":
		return true
	case "05":
		return false
	}
	return len(acctNumber) >= 4 && acctNumber[len(acctNumber)-4:] == "4001"
}

// acsIdentity picks the operator and reference number advertised on
// the ARes. The exemption indicator selects the second issuer profile.
func acsIdentity(challengeInd string) (operatorID, referenceNumber string) {
	if challengeInd == "05" {
		return "MOCK_ACS_NEW", "issuer2"
	}
	return "MOCK_ACS", "issuer1"
}

// Authenticate processes an AReq: decides the flow, persists the
// transaction record, and assembles the ARes.
func (s *Service) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResponse, error) {
	serverTransID := req.ThreeDSServerTransID
	acsTransID := uuid.New()
	dsTransID := uuid.New()

	challengeInd := req.ThreeDSRequestor.ThreeDSRequestorChallengeInd
	isMobile := req.DeviceChannel == "01"

	s.log.Info("processing authentication request",
		zap.Stringer("threeDSServerTransID", serverTransID),
		zap.String("deviceChannel", req.DeviceChannel),
		zap.String("challengeInd", challengeInd))

	if isMobile && req.SDKTransID == nil {
		return nil, ErrMissingSDKTransID
	}

	challenge := shouldChallenge(challengeInd, req.CardholderAccount.AcctNumber)
	transStatus, acsChallengeMandated := "Y", "N"
	if challenge {
		transStatus, acsChallengeMandated = "C", "Y"
	}
	operatorID, referenceNumber := acsIdentity(challengeInd)

	s.log.Info("flow decision",
		zap.String("transStatus", transStatus),
		zap.Bool("challenge", challenge),
		zap.String("acsOperatorID", operatorID))

	// Mobile challenge flows get an ephemeral pair and signed content.
	// Credential failures degrade to an ARes without signed content
	// rather than failing the authentication.
	var (
		ephemeralKeys *crypto.EphemeralKeyPair
		signedContent *string
	)
	if isMobile && challenge {
		keys, err := crypto.GenerateEphemeralKeyPair()
		if err != nil {
			s.log.Warn("ephemeral key generation failed", zap.Error(err))
		} else {
			ephemeralKeys = keys
			content, err := crypto.SignACSContent(crypto.SignedContentParams{
				ACSTransID:   acsTransID.String(),
				ACSRefNumber: referenceNumber,
				ACSURL:       s.cfg.BaseURL + "/challenge",
				EphemPubKey:  keys.PublicKey,
			}, s.cfg.CertPath, s.cfg.KeyPath)
			if err != nil {
				s.log.Warn("signed content generation failed", zap.Error(err))
			} else {
				signedContent = &content
			}
		}
	}

	var sdkKeyJSON *string
	if isMobile {
		if jwk := req.SDKKey(); jwk != nil {
			raw, err := json.Marshal(jwk)
			if err != nil {
				return nil, fmt.Errorf("serialising SDK ephemeral key: %w", err)
			}
			str := string(raw)
			sdkKeyJSON = &str
		} else {
			s.log.Warn("mobile flow without SDK ephemeral public key",
				zap.Stringer("threeDSServerTransID", serverTransID))
		}
	}

	redirectURL := req.Merchant.NotificationURL
	txn := Transaction{
		AuthenticateRequest:   *req,
		ACSTransID:            acsTransID,
		DSTransID:             dsTransID,
		SDKTransID:            req.SDKTransID,
		EphemeralKeys:         ephemeralKeys,
		RedirectURL:           &redirectURL,
		SDKEphemeralPublicKey: sdkKeyJSON,
	}
	raw, err := json.Marshal(txn)
	if err != nil {
		return nil, fmt.Errorf("serialising transaction: %w", err)
	}
	if err := s.store.Insert(ctx, serverTransID, acsTransID, raw); err != nil {
		return nil, fmt.Errorf("storing transaction: %w", err)
	}

	challengeRequest := ChallengeRequest{
		MessageType:          "CReq",
		ThreeDSServerTransID: serverTransID,
		ACSTransID:           acsTransID,
		ChallengeWindowSize:  "01",
		MessageVersion:       messageVersion,
	}
	creqJSON, err := json.Marshal(challengeRequest)
	if err != nil {
		return nil, fmt.Errorf("serialising challenge request: %w", err)
	}
	creqB64 := base64.StdEncoding.EncodeToString(creqJSON)
	triggerURL := s.cfg.BaseURL + "/processor/mock/acs/trigger-otp"

	authnResp := AuthenticationResponse{
		ACSOperatorID:        operatorID,
		DSReferenceNumber:    dsReferenceNumber,
		ECI:                  "05",
		DSTransID:            dsTransID,
		MessageType:          "ARes",
		ThreeDSServerTransID: serverTransID,
		ACSTransID:           acsTransID,
		ACSChallengeMandated: acsChallengeMandated,
		AuthenticationType:   "02",
		AuthenticationValue:  aresAuthValue,
		TransStatus:          transStatus,
		MessageVersion:       messageVersion,
		ACSReferenceNumber:   referenceNumber,
	}
	if isMobile {
		authnResp.ThreeDSRequestorAppURLInd = ptr("N")
		authnResp.ACSSignedContent = signedContent
		authnResp.ACSRenderingType = &ACSRenderingTypeResponse{
			DeviceUserInterfaceMode: "01",
			ACSInterface:            "01",
			ACSUiTemplate:           "01",
		}
		authnResp.BroadInfo = &BroadInfo{
			Category:   "01",
			Severity:   "04",
			Source:     "03",
			Recipients: []string{"02", "01", "03"},
			Description: BroadInfoDescription{
				Message: "TLS 1.x will be turned off starting summer 2019",
			},
			ExpDate: "20241231",
		}
		authnResp.AuthenticationMethod = ptr("02")
		authnResp.TransStatusReason = ptr("15")
		authnResp.DeviceInfoRecognisedVersion = ptr("1.3")
		authnResp.SDKTransID = req.SDKTransID
	} else if challenge {
		authnResp.ACSURL = &triggerURL
	}

	resp := &AuthResponse{
		PurchaseDate:           req.Purchase.PurchaseDate,
		ThreeDSServerTransID:   serverTransID,
		AuthenticationResponse: authnResp,
		ChallengeRequest:       challengeRequest,
		ACSChallengeMandated:   acsChallengeMandated,
		TransStatus:            transStatus,
		AuthenticationRequest:  s.echoAuthRequest(req),
	}
	if challenge {
		resp.Base64EncodedChallengeRequest = &creqB64
		if !isMobile {
			resp.ACSURL = &triggerURL
		}
	}
	return resp, nil
}

// echoAuthRequest rebuilds the inbound AReq as the 3DS Server would
// have sent it upstream, with server identity constants and numeric
// amounts restated as strings.
func (s *Service) echoAuthRequest(req *AuthRequest) map[string]any {
	m := map[string]any{
		"shipAddrLine3":       req.Cardholder.ShipAddrLine3,
		"purchaseCurrency":    req.Purchase.PurchaseCurrency,
		"email":               req.Cardholder.Email,
		"shipAddrPostCode":    req.Cardholder.ShipAddrPostCode,
		"billAddrLine2":       req.Cardholder.BillAddrLine2,
		"merchantCountryCode": req.Merchant.MerchantCountryCode,
		"acquirerBIN":         req.Acquirer.AcquirerBIN,
		"purchaseDate":        req.Purchase.PurchaseDate,
		"threeDSRequestorName": req.Merchant.ThreeDSRequestorName,
		"deviceRenderOptions": map[string]any{
			"sdkUiType":    req.DeviceRenderOptions.SDKUiType,
			"sdkInterface": req.DeviceRenderOptions.SDKInterface,
		},
		"acquirerMerchantID":           req.Acquirer.AcquirerMerchantID,
		"billAddrLine3":                req.Cardholder.BillAddrLine3,
		"threeDSRequestorChallengeInd": req.ThreeDSRequestor.ThreeDSRequestorChallengeInd,
		"shipAddrLine2":                req.Cardholder.ShipAddrLine2,
		"acctType":                     req.CardholderAccount.AcctType,
		"workPhone": map[string]any{
			"subscriber": req.Cardholder.WorkPhone.Subscriber,
			"cc":         req.Cardholder.WorkPhone.CC,
		},
		"merchantName":                      req.Merchant.MerchantName,
		"threeDSRequestorID":                req.Merchant.ThreeDSRequestorID,
		"billAddrCountry":                   req.Cardholder.BillAddrCountry,
		"addrMatch":                         req.Cardholder.AddrMatch,
		"messageType":                       "AReq",
		"deviceChannel":                     req.DeviceChannel,
		"threeDSServerTransID":              req.ThreeDSServerTransID,
		"threeDSRequestorAuthenticationInd": req.ThreeDSRequestor.ThreeDSRequestorAuthenticationInd,
		"shipAddrLine1":                     req.Cardholder.ShipAddrLine1,
		"notificationURL":                   req.Merchant.NotificationURL,
		"threeDSServerRefNumber":            threeDSServerRefNumber,
		"threeDSServerOperatorID":           threeDSServerOperatorID,
		"shipAddrCountry":                   req.Cardholder.ShipAddrCountry,
		"mobilePhone": map[string]any{
			"subscriber": req.Cardholder.MobilePhone.Subscriber,
			"cc":         req.Cardholder.MobilePhone.CC,
		},
		"threeDSServerURL": threeDSServerResultsURL,
		"billAddrCity":     req.Cardholder.BillAddrCity,
		"cardExpiryDate":   req.CardholderAccount.CardExpiryDate,
		"billAddrLine1":    req.Cardholder.BillAddrLine1,
		"cardSecurityCode": req.CardholderAccount.CardSecurityCode,
		"purchaseAmount":   strconv.FormatUint(req.Purchase.PurchaseAmount, 10),
		"transType":        req.Purchase.TransType,
		"billAddrPostCode": req.Cardholder.BillAddrPostCode,
		"mcc":              req.Merchant.MCC,
		"recurringFrequency": strconv.FormatUint(uint64(req.Purchase.RecurringFrequency), 10),
		"purchaseExponent":   strconv.FormatUint(uint64(req.Purchase.PurchaseExponent), 10),
		"homePhone": map[string]any{
			"subscriber": req.Cardholder.HomePhone.Subscriber,
			"cc":         req.Cardholder.HomePhone.CC,
		},
		"threeDSCompInd": req.ThreeDSCompInd,
		"threeDSRequestorAuthenticationInfo": map[string]any{
			"threeDSReqAuthMethod":    req.ThreeDSRequestor.ThreeDSRequestorAuthenticationInfo.ThreeDSReqAuthMethod,
			"threeDSReqAuthTimestamp": req.ThreeDSRequestor.ThreeDSRequestorAuthenticationInfo.ThreeDSReqAuthTimestamp,
		},
		"messageCategory":     req.MessageCategory,
		"cardholderName":      req.Cardholder.CardholderName,
		"recurringExpiry":     req.Purchase.RecurringExpiry,
		"threeDSRequestorURL": req.Merchant.NotificationURL,
		"acctNumber":          req.CardholderAccount.AcctNumber,
		"shipAddrCity":        req.Cardholder.ShipAddrCity,
		"messageVersion":      messageVersion,
	}

	if b := req.BrowserInformation; b != nil {
		m["browserColorDepth"] = b.BrowserColorDepth
		m["browserScreenHeight"] = strconv.FormatUint(uint64(b.BrowserScreenHeight), 10)
		m["browserIP"] = b.BrowserIP
		m["browserJavaEnabled"] = b.BrowserJavaEnabled
		m["browserScreenWidth"] = strconv.FormatUint(uint64(b.BrowserScreenWidth), 10)
		m["browserLanguage"] = b.BrowserLanguage
		m["browserUserAgent"] = b.BrowserUserAgent
		m["browserTZ"] = strconv.FormatUint(uint64(b.BrowserTZ), 10)
		m["browserJavascriptEnabled"] = b.BrowserJavascriptEnabled
		m["browserAcceptHeader"] = b.BrowserAcceptHeader
	}

	if jwk := req.SDKKey(); jwk != nil {
		m["sdkEphemeralPublicKey"] = map[string]any{
			"kty": jwk.Kty,
			"crv": jwk.Crv,
			"x":   jwk.X,
			"y":   jwk.Y,
		}
	}
	return m
}

// Results absorbs an RReq into the stored record and answers with the
// RRes. The record's resultsRequest is write-once in the happy path;
// the last writer wins if the protocol is violated.
func (s *Service) Results(ctx context.Context, req *ResultsRequest) (*ResultsResponse, error) {
	txn, err := s.loadTransaction(ctx, req.ThreeDSServerTransID)
	if err != nil {
		return nil, err
	}

	txn.ResultsRequest = req
	raw, err := json.Marshal(txn)
	if err != nil {
		return nil, fmt.Errorf("serialising transaction: %w", err)
	}
	if err := s.store.Update(ctx, req.ThreeDSServerTransID, raw); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("updating transaction: %w", err)
	}

	return &ResultsResponse{
		DSTransID:            txn.DSTransID,
		MessageType:          "RRes",
		ThreeDSServerTransID: req.ThreeDSServerTransID,
		ACSTransID:           txn.ACSTransID,
		SDKTransID:           txn.SDKTransID,
		ResultsStatus:        "01",
		MessageVersion:       messageVersion,
	}, nil
}

// Final reads back the challenge outcome. It is a pure read path;
// calling it before the challenge terminated yields ErrResultsNotFound.
func (s *Service) Final(ctx context.Context, req *FinalRequest) (*FinalResponse, error) {
	txn, err := s.loadTransaction(ctx, req.ThreeDSServerTransID)
	if err != nil {
		return nil, err
	}
	if txn.ResultsRequest == nil {
		return nil, ErrResultsNotFound
	}

	return &FinalResponse{
		ECI:                  txn.ResultsRequest.ECI,
		AuthenticationValue:  txn.ResultsRequest.AuthenticationValue,
		ThreeDSServerTransID: req.ThreeDSServerTransID,
		ResultsResponse: ResultsResponse{
			DSTransID:            txn.DSTransID,
			MessageType:          "RRes",
			ThreeDSServerTransID: req.ThreeDSServerTransID,
			ACSTransID:           txn.ACSTransID,
			SDKTransID:           txn.SDKTransID,
			ResultsStatus:        "01",
			MessageVersion:       messageVersion,
		},
		ResultsRequest: *txn.ResultsRequest,
		TransStatus:    txn.ResultsRequest.TransStatus,
	}, nil
}

// buildResultsRequest synthesises the RReq the challenge endpoints
// feed through Results when a challenge terminates.
func buildResultsRequest(txn *Transaction, serverTransID uuid.UUID, msgVersion, transStatus, eci, authValue string) *ResultsRequest {
	return &ResultsRequest{
		ACSTransID:      txn.ACSTransID,
		MessageCategory: "01",
		ECI:             eci,
		MessageType:     "RReq",
		ACSRenderingType: ACSRenderingType{
			ACSUiTemplate: "01",
			ACSInterface:  "01",
		},
		DSTransID:            txn.DSTransID,
		AuthenticationMethod: "02",
		AuthenticationType:   "02",
		MessageVersion:       msgVersion,
		SDKTransID:           txn.SDKTransID,
		InteractionCounter:   "01",
		AuthenticationValue:  authValue,
		TransStatus:          transStatus,
		ThreeDSServerTransID: serverTransID,
	}
}

func (s *Service) loadTransaction(ctx context.Context, serverTransID uuid.UUID) (*Transaction, error) {
	raw, err := s.store.Get(ctx, serverTransID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("reading transaction: %w", err)
	}
	var txn Transaction
	if err := json.Unmarshal(raw, &txn); err != nil {
		return nil, fmt.Errorf("deserialising transaction: %w", err)
	}
	return &txn, nil
}

func ptr[T any](v T) *T { return &v }
