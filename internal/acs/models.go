// Package acs implements the issuer side of the 3-D Secure 2.x
// protocol: card-range lookup, authentication, the mobile JWE
// challenge exchange, the browser OTP flow, and result reporting.
package acs

import (
	"github.com/google/uuid"

	"acs/internal/crypto"
)

// VersionRequest carries the PAN for card-range lookup.
type VersionRequest struct {
	CardNumber string `json:"cardNumber"`
}

type VersionResponse struct {
	ThreeDSServerTransID uuid.UUID   `json:"threeDSServerTransID"`
	CardRanges           []CardRange `json:"cardRanges"`
}

type CardRange struct {
	ACSInfoInd              []string `json:"acsInfoInd"`
	StartRange              string   `json:"startRange"`
	ACSEndProtocolVersion   string   `json:"acsEndProtocolVersion"`
	ACSStartProtocolVersion string   `json:"acsStartProtocolVersion"`
	EndRange                string   `json:"endRange"`
}

// AuthRequest is the inbound AReq. The SDK ephemeral key may arrive
// nested under sdkEphemeralPublicKey or flat as capitalised top-level
// fields; both shapes are accepted.
type AuthRequest struct {
	ThreeDSServerTransID             uuid.UUID           `json:"threeDSServerTransID"`
	SDKTransID                       *uuid.UUID          `json:"sdkTransID,omitempty"`
	DeviceChannel                    string              `json:"deviceChannel"`
	MessageCategory                  string              `json:"messageCategory"`
	PreferredProtocolVersion         string              `json:"preferredProtocolVersion"`
	EnforcePreferredProtocolVersion  bool                `json:"enforcePreferredProtocolVersion"`
	ThreeDSCompInd                   string              `json:"threeDSCompInd"`
	ThreeDSRequestor                 ThreeDSRequestor    `json:"threeDSRequestor"`
	CardholderAccount                CardholderAccount   `json:"cardholderAccount"`
	Cardholder                       Cardholder          `json:"cardholder"`
	Purchase                         Purchase            `json:"purchase"`
	Acquirer                         Acquirer            `json:"acquirer"`
	Merchant                         Merchant            `json:"merchant"`
	BrowserInformation               *BrowserInformation `json:"browserInformation,omitempty"`
	DeviceRenderOptions              DeviceRenderOptions `json:"deviceRenderOptions"`
	SDKEphemeralPublicKey            *crypto.PublicKeyJWK `json:"sdkEphemeralPublicKey,omitempty"`
	Kty                              *string             `json:"Kty,omitempty"`
	Crv                              *string             `json:"Crv,omitempty"`
	X                                *string             `json:"X,omitempty"`
	Y                                *string             `json:"Y,omitempty"`
}

// SDKKey normalises the two accepted ephemeral-key shapes into one
// JWK, or nil when neither is present.
func (r *AuthRequest) SDKKey() *crypto.PublicKeyJWK {
	if r.SDKEphemeralPublicKey != nil {
		return r.SDKEphemeralPublicKey
	}
	if r.Kty != nil && r.Crv != nil && r.X != nil && r.Y != nil {
		return &crypto.PublicKeyJWK{Kty: *r.Kty, Crv: *r.Crv, X: *r.X, Y: *r.Y}
	}
	return nil
}

type ThreeDSRequestor struct {
	ThreeDSRequestorAuthenticationInd  string                 `json:"threeDSRequestorAuthenticationInd"`
	ThreeDSRequestorAuthenticationInfo RequestorAuthInfo      `json:"threeDSRequestorAuthenticationInfo"`
	ThreeDSRequestorChallengeInd       string                 `json:"threeDSRequestorChallengeInd"`
}

type RequestorAuthInfo struct {
	ThreeDSReqAuthMethod    string `json:"threeDSReqAuthMethod"`
	ThreeDSReqAuthTimestamp string `json:"threeDSReqAuthTimestamp"`
}

type CardholderAccount struct {
	AcctType         string `json:"acctType"`
	CardExpiryDate   string `json:"cardExpiryDate"`
	SchemeID         string `json:"schemeId"`
	AcctNumber       string `json:"acctNumber"`
	CardSecurityCode string `json:"cardSecurityCode"`
}

type Cardholder struct {
	AddrMatch        string `json:"addrMatch"`
	BillAddrCity     string `json:"billAddrCity"`
	BillAddrCountry  string `json:"billAddrCountry"`
	BillAddrLine1    string `json:"billAddrLine1"`
	BillAddrLine2    string `json:"billAddrLine2"`
	BillAddrLine3    string `json:"billAddrLine3"`
	BillAddrPostCode string `json:"billAddrPostCode"`
	Email            string `json:"email"`
	HomePhone        Phone  `json:"homePhone"`
	MobilePhone      Phone  `json:"mobilePhone"`
	WorkPhone        Phone  `json:"workPhone"`
	CardholderName   string `json:"cardholderName"`
	ShipAddrCity     string `json:"shipAddrCity"`
	ShipAddrCountry  string `json:"shipAddrCountry"`
	ShipAddrLine1    string `json:"shipAddrLine1"`
	ShipAddrLine2    string `json:"shipAddrLine2"`
	ShipAddrLine3    string `json:"shipAddrLine3"`
	ShipAddrPostCode string `json:"shipAddrPostCode"`
}

type Phone struct {
	CC         string `json:"cc"`
	Subscriber string `json:"subscriber"`
}

type Purchase struct {
	PurchaseInstalData uint32 `json:"purchaseInstalData"`
	PurchaseAmount     uint64 `json:"purchaseAmount"`
	PurchaseCurrency   string `json:"purchaseCurrency"`
	PurchaseExponent   uint32 `json:"purchaseExponent"`
	PurchaseDate       string `json:"purchaseDate"`
	RecurringExpiry    string `json:"recurringExpiry"`
	RecurringFrequency uint32 `json:"recurringFrequency"`
	TransType          string `json:"transType"`
}

type Acquirer struct {
	AcquirerBIN        string `json:"acquirerBin"`
	AcquirerMerchantID string `json:"acquirerMerchantId"`
}

type Merchant struct {
	MCC                            string `json:"mcc"`
	MerchantCountryCode            string `json:"merchantCountryCode"`
	ThreeDSRequestorID             string `json:"threeDSRequestorId"`
	ThreeDSRequestorName           string `json:"threeDSRequestorName"`
	MerchantName                   string `json:"merchantName"`
	ResultsResponseNotificationURL string `json:"resultsResponseNotificationUrl"`
	NotificationURL                string `json:"notificationUrl"`
}

type BrowserInformation struct {
	BrowserAcceptHeader       string `json:"browserAcceptHeader"`
	BrowserIP                 string `json:"browserIP"`
	BrowserLanguage           string `json:"browserLanguage"`
	BrowserColorDepth         string `json:"browserColorDepth"`
	BrowserScreenHeight       uint32 `json:"browserScreenHeight"`
	BrowserScreenWidth        uint32 `json:"browserScreenWidth"`
	BrowserTZ                 uint32 `json:"browserTZ"`
	BrowserUserAgent          string `json:"browserUserAgent"`
	ChallengeWindowSize       string `json:"challengeWindowSize"`
	BrowserJavaEnabled        bool   `json:"browserJavaEnabled"`
	BrowserJavascriptEnabled  bool   `json:"browserJavascriptEnabled"`
}

type DeviceRenderOptions struct {
	SDKInterface          string   `json:"sdkInterface"`
	SDKUiType             []string `json:"sdkUiType"`
	SDKAuthenticationType []string `json:"sdkAuthenticationType"`
}

// AuthResponse is the outbound envelope around the ARes.
type AuthResponse struct {
	PurchaseDate                  string                 `json:"purchaseDate"`
	Base64EncodedChallengeRequest *string                `json:"base64EncodedChallengeRequest,omitempty"`
	ACSURL                        *string                `json:"acsUrl,omitempty"`
	ThreeDSServerTransID          uuid.UUID              `json:"threeDSServerTransID"`
	AuthenticationResponse        AuthenticationResponse `json:"authenticationResponse"`
	ChallengeRequest              ChallengeRequest       `json:"challengeRequest"`
	ACSChallengeMandated          string                 `json:"acsChallengeMandated"`
	TransStatus                   string                 `json:"transStatus"`
	AuthenticationRequest         map[string]any         `json:"authenticationRequest"`
}

// AuthenticationResponse is the ARes proper. Optional fields are only
// populated on the mobile path.
type AuthenticationResponse struct {
	ThreeDSRequestorAppURLInd    *string                   `json:"threeDSRequestorAppUrlInd,omitempty"`
	ACSOperatorID                string                    `json:"acsOperatorID"`
	DSReferenceNumber            string                    `json:"dsReferenceNumber"`
	ECI                          string                    `json:"eci"`
	ACSSignedContent             *string                   `json:"acsSignedContent,omitempty"`
	DSTransID                    uuid.UUID                 `json:"dsTransID"`
	ACSRenderingType             *ACSRenderingTypeResponse `json:"acsRenderingType,omitempty"`
	MessageType                  string                    `json:"messageType"`
	ThreeDSServerTransID         uuid.UUID                 `json:"threeDSServerTransID"`
	ACSTransID                   uuid.UUID                 `json:"acsTransID"`
	BroadInfo                    *BroadInfo                `json:"broadInfo,omitempty"`
	AuthenticationMethod         *string                   `json:"authenticationMethod,omitempty"`
	TransStatusReason            *string                   `json:"transStatusReason,omitempty"`
	DeviceInfoRecognisedVersion  *string                   `json:"deviceInfoRecognisedVersion,omitempty"`
	ACSChallengeMandated         string                    `json:"acsChallengeMandated"`
	AuthenticationType           string                    `json:"authenticationType"`
	SDKTransID                   *uuid.UUID                `json:"sdkTransID,omitempty"`
	AuthenticationValue          string                    `json:"authenticationValue"`
	TransStatus                  string                    `json:"transStatus"`
	MessageVersion               string                    `json:"messageVersion"`
	ACSReferenceNumber           string                    `json:"acsReferenceNumber"`
	ACSURL                       *string                   `json:"acsURL,omitempty"`
}

type ACSRenderingTypeResponse struct {
	DeviceUserInterfaceMode string `json:"deviceUserInterfaceMode"`
	ACSInterface            string `json:"acsInterface"`
	ACSUiTemplate           string `json:"acsUiTemplate"`
}

type BroadInfo struct {
	Category    string               `json:"category"`
	Severity    string               `json:"severity"`
	Source      string               `json:"source"`
	Recipients  []string             `json:"recipients"`
	Description BroadInfoDescription `json:"description"`
	ExpDate     string               `json:"expDate"`
}

type BroadInfoDescription struct {
	Message string `json:"message"`
}

// ChallengeRequest is the CReq skeleton echoed in the ARes and posted
// (as JSON) to the browser trigger endpoint.
type ChallengeRequest struct {
	MessageType          string    `json:"messageType"`
	ThreeDSServerTransID uuid.UUID `json:"threeDSServerTransID"`
	ACSTransID           uuid.UUID `json:"acsTransID"`
	ChallengeWindowSize  string    `json:"challengeWindowSize"`
	MessageVersion       string    `json:"messageVersion"`
}

// ResultsRequest is the RReq, inbound from the 3DS Server or
// synthesised internally when a challenge terminates.
type ResultsRequest struct {
	ACSTransID           uuid.UUID        `json:"acsTransID"`
	MessageCategory      string           `json:"messageCategory"`
	ECI                  string           `json:"eci"`
	MessageType          string           `json:"messageType"`
	ACSRenderingType     ACSRenderingType `json:"acsRenderingType"`
	DSTransID            uuid.UUID        `json:"dsTransID"`
	AuthenticationMethod string           `json:"authenticationMethod"`
	AuthenticationType   string           `json:"authenticationType"`
	MessageVersion       string           `json:"messageVersion"`
	SDKTransID           *uuid.UUID       `json:"sdkTransID,omitempty"`
	InteractionCounter   string           `json:"interactionCounter"`
	AuthenticationValue  string           `json:"authenticationValue"`
	TransStatus          string           `json:"transStatus"`
	ThreeDSServerTransID uuid.UUID        `json:"threeDSServerTransID"`
}

type ACSRenderingType struct {
	ACSUiTemplate string `json:"acsUiTemplate"`
	ACSInterface  string `json:"acsInterface"`
}

type ResultsResponse struct {
	DSTransID            uuid.UUID  `json:"dsTransID"`
	MessageType          string     `json:"messageType"`
	ThreeDSServerTransID uuid.UUID  `json:"threeDSServerTransID"`
	ACSTransID           uuid.UUID  `json:"acsTransID"`
	SDKTransID           *uuid.UUID `json:"sdkTransID"`
	ResultsStatus        string     `json:"resultsStatus"`
	MessageVersion       string     `json:"messageVersion"`
}

type FinalRequest struct {
	ThreeDSServerTransID uuid.UUID `json:"threeDSServerTransID"`
}

type FinalResponse struct {
	ECI                  string          `json:"eci"`
	AuthenticationValue  string          `json:"authenticationValue"`
	ThreeDSServerTransID uuid.UUID       `json:"threeDSServerTransID"`
	ResultsResponse      ResultsResponse `json:"resultsResponse"`
	ResultsRequest       ResultsRequest  `json:"resultsRequest"`
	TransStatus          string          `json:"transStatus"`
}

// MobileCReq is the decrypted mobile challenge request payload.
// ChallengeDataEntry distinguishes the OTP submission from the
// initial prompt request; nil means initial.
type MobileCReq struct {
	MessageType         string  `json:"messageType"`
	MessageVersion      string  `json:"messageVersion"`
	SDKCounterStoA      string  `json:"sdkCounterStoA"`
	ChallengeWindowSize string  `json:"challengeWindowSize"`
	ChallengeNoEntry    string  `json:"challengeNoEntry"`
	ChallengeDataEntry  *string `json:"challengeDataEntry,omitempty"`
}

// MobilePromptCRes is the CRes for the initial challenge request.
type MobilePromptCRes struct {
	ACSTransID                string `json:"acsTransID"`
	ACSCounterAtoS            string `json:"acsCounterAtoS"`
	ACSUiType                 string `json:"acsUiType"`
	ChallengeCompletionInd    string `json:"challengeCompletionInd"`
	ChallengeInfoHeader       string `json:"challengeInfoHeader"`
	ChallengeInfoLabel        string `json:"challengeInfoLabel"`
	MessageType               string `json:"messageType"`
	MessageVersion            string `json:"messageVersion"`
	SDKTransID                string `json:"sdkTransID"`
	ThreeDSServerTransID      string `json:"threeDSServerTransID"`
	SubmitAuthenticationLabel string `json:"submitAuthenticationLabel"`
}

// MobileFinalCRes is the CRes for the OTP submission.
type MobileFinalCRes struct {
	ACSCounterAtoS         string `json:"acsCounterAtoS"`
	ACSTransID             string `json:"acsTransID"`
	ChallengeCompletionInd string `json:"challengeCompletionInd"`
	MessageType            string `json:"messageType"`
	MessageVersion         string `json:"messageVersion"`
	SDKTransID             string `json:"sdkTransID"`
	ThreeDSServerTransID   string `json:"threeDSServerTransID"`
	TransStatus            string `json:"transStatus"`
}

// Transaction is the record persisted per authentication.
type Transaction struct {
	AuthenticateRequest   AuthRequest              `json:"authenticateRequest"`
	ACSTransID            uuid.UUID                `json:"acsTransID"`
	DSTransID             uuid.UUID                `json:"dsTransID"`
	SDKTransID            *uuid.UUID               `json:"sdkTransID,omitempty"`
	ResultsRequest        *ResultsRequest          `json:"resultsRequest,omitempty"`
	EphemeralKeys         *crypto.EphemeralKeyPair `json:"ephemeralKeys,omitempty"`
	RedirectURL           *string                  `json:"redirectUrl,omitempty"`
	SDKEphemeralPublicKey *string                  `json:"sdkEphemeralPublicKey,omitempty"`
}
