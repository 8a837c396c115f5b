package acs

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed templates/acs-challenge.html
var challengeTemplate string

// ErrInvalidCReq is returned when the browser trigger form carries a
// creq that does not parse.
var ErrInvalidCReq = errors.New("Invalid JSON in challenge request")

// TriggerOTP renders the browser OTP page. The creq form value is
// plain JSON rather than base64, which is intentional for this mock.
// Redirect priority: query parameter, then the stored merchant URL,
// then the fallback constant.
func (s *Service) TriggerOTP(ctx context.Context, creq, queryRedirectURL string) (string, error) {
	var challengeRequest ChallengeRequest
	if err := json.Unmarshal([]byte(creq), &challengeRequest); err != nil {
		s.log.Warn("invalid creq payload", zap.Error(err))
		return "", ErrInvalidCReq
	}
	serverTransID := challengeRequest.ThreeDSServerTransID

	redirectURL := queryRedirectURL
	if redirectURL == "" {
		redirectURL = defaultRedirectURL
		if txn, err := s.loadTransaction(ctx, serverTransID); err == nil && txn.RedirectURL != nil {
			redirectURL = *txn.RedirectURL
		}
	}
	s.log.Info("rendering browser challenge",
		zap.Stringer("threeDSServerTransID", serverTransID),
		zap.String("redirectUrl", redirectURL))

	payEndpoint := s.cfg.BaseURL + "/processor/mock/acs/verify-otp?redirectUrl=" + url.QueryEscape(redirectURL)
	return strings.NewReplacer(
		"{{FALLBACK_REDIRECT_URL}}", s.cfg.BaseURL,
		"{{THREE_DS_SERVER_TRANS_ID}}", serverTransID.String(),
		"{{PAY_ENDPOINT}}", payEndpoint,
	).Replace(challengeTemplate), nil
}

// VerifyOTP validates the submitted OTP, records the outcome, and
// returns the merchant redirect location. It never fails: every error
// path yields a redirect with transStatus=U so the browser is never
// stranded on a 5xx.
func (s *Service) VerifyOTP(ctx context.Context, otp, serverTransIDRaw, redirectURL string) string {
	if redirectURL == "" {
		redirectURL = defaultRedirectURL
	}
	errorRedirect := redirectURL + "?transStatus=U&error=processing_error"

	serverTransID, err := uuid.Parse(serverTransIDRaw)
	if err != nil {
		s.log.Warn("invalid transaction id on OTP verification",
			zap.String("threeDSServerTransID", serverTransIDRaw))
		return errorRedirect
	}

	txn, err := s.loadTransaction(ctx, serverTransID)
	if err != nil {
		s.log.Warn("transaction lookup failed on OTP verification",
			zap.Stringer("threeDSServerTransID", serverTransID),
			zap.Error(err))
		return errorRedirect
	}

	transStatus, eci, authValue := otpOutcome(otp)
	s.log.Info("OTP validated",
		zap.String("transStatus", transStatus),
		zap.String("eci", eci))

	rreq := buildResultsRequest(txn, serverTransID, messageVersion, transStatus, eci, authValue)
	if _, err := s.Results(ctx, rreq); err != nil {
		// The merchant still gets the redirect; /3ds/final will report
		// the missing results.
		s.log.Warn("failed to record challenge results", zap.Error(err))
	}

	return redirectURL +
		"?transStatus=" + transStatus +
		"&threeDSServerTransID=" + serverTransID.String() +
		"&eci=" + eci +
		"&authenticationValue=" + url.QueryEscape(authValue)
}
