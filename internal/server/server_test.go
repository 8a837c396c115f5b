package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"acs/internal/acs"
	"acs/internal/config"
	"acs/internal/crypto"
	"acs/internal/store"
)

func writeSigningCredentials(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "acs-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "acs-cert.pem")
	keyPath = filepath.Join(dir, "acs-private-key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
	return certPath, keyPath
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	st, err := store.Open(store.Options{Path: ":memory:", TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	certPath, keyPath := writeSigningCredentials(t, t.TempDir())
	cfg := &config.Config{
		Server: config.Server{Host: "127.0.0.1", Port: 8080},
		Performance: config.Performance{
			ClientTimeoutMs:  60000,
			KeepAliveSeconds: 60,
		},
	}
	svc := acs.NewService(st, zap.NewNop(), acs.Config{
		BaseURL:  cfg.BaseURL(),
		CertPath: certPath,
		KeyPath:  keyPath,
	})
	return New(cfg, svc, zap.NewNop()).Handler()
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func authRequestBody(serverTransID uuid.UUID, deviceChannel, acctNumber, challengeInd string) map[string]any {
	return map[string]any{
		"threeDSServerTransID": serverTransID,
		"deviceChannel":        deviceChannel,
		"messageCategory":      "01",
		"threeDSCompInd":       "Y",
		"threeDSRequestor": map[string]any{
			"threeDSRequestorAuthenticationInd": "01",
			"threeDSRequestorChallengeInd":      challengeInd,
			"threeDSRequestorAuthenticationInfo": map[string]any{
				"threeDSReqAuthMethod":    "02",
				"threeDSReqAuthTimestamp": "202608241200",
			},
		},
		"cardholderAccount": map[string]any{
			"acctType":       "03",
			"cardExpiryDate": "2912",
			"schemeId":       "visa",
			"acctNumber":     acctNumber,
		},
		"purchase": map[string]any{
			"purchaseAmount":   12500,
			"purchaseCurrency": "840",
			"purchaseExponent": 2,
			"purchaseDate":     "20260824120000",
			"transType":        "01",
		},
		"merchant": map[string]any{
			"merchantName":    "Test Merchant",
			"notificationUrl": "https://merchant.example/3ds/return",
		},
		"browserInformation": map[string]any{
			"browserAcceptHeader": "*/*",
			"browserIP":           "203.0.113.7",
			"browserLanguage":     "en-US",
			"browserColorDepth":   "24",
			"browserScreenHeight": 1080,
			"browserScreenWidth":  1920,
			"browserTZ":           300,
			"browserUserAgent":    "Mozilla/5.0",
			"challengeWindowSize": "05",
		},
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, serviceName, body["service"])
	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	assert.NoError(t, err)
}

func TestVersionEndpoint(t *testing.T) {
	h := newTestServer(t)
	w := postJSON(t, h, "/3ds/version", map[string]any{"cardNumber": "5155011234567890"})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	ranges := body["cardRanges"].([]any)
	require.Len(t, ranges, 1)
	r := ranges[0].(map[string]any)
	assert.Equal(t, "5155010000000000", r["startRange"])
	assert.Equal(t, "5155019999999999", r["endRange"])
	assert.Equal(t, []any{"01", "02"}, r["acsInfoInd"])
}

// S1: frictionless browser authentication.
func TestFrictionlessBrowserFlow(t *testing.T) {
	h := newTestServer(t)
	w := postJSON(t, h, "/3ds/authenticate",
		authRequestBody(uuid.New(), "02", "4000000000000002", "01"))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, "Y", body["transStatus"])
	assert.NotContains(t, body, "acsUrl")
	assert.NotContains(t, body, "base64EncodedChallengeRequest")

	ar := body["authenticationResponse"].(map[string]any)
	assert.Equal(t, "05", ar["eci"])
	assert.Equal(t, "N", ar["acsChallengeMandated"])
}

// S2/S3: browser challenge through OTP verification and final.
func TestBrowserChallengeFlow(t *testing.T) {
	cases := []struct {
		name            string
		otp             string
		wantTransStatus string
		wantECI         string
	}{
		{"success", "1234", "Y", "02"},
		{"failure", "0000", "N", "07"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(t)
			serverTransID := uuid.New()

			w := postJSON(t, h, "/3ds/authenticate",
				authRequestBody(serverTransID, "02", "4000000000004001", "01"))
			require.Equal(t, http.StatusOK, w.Code)
			body := decodeJSON(t, w)
			assert.Equal(t, "C", body["transStatus"])
			require.Contains(t, body, "acsUrl")
			assert.Contains(t, body["acsUrl"], "/processor/mock/acs/trigger-otp")
			require.Contains(t, body, "base64EncodedChallengeRequest")

			creq, err := json.Marshal(body["challengeRequest"])
			require.NoError(t, err)
			w = postForm(t, h, "/processor/mock/acs/trigger-otp", url.Values{"creq": {string(creq)}})
			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
			assert.Contains(t, w.Body.String(), serverTransID.String())

			w = postForm(t, h,
				"/processor/mock/acs/verify-otp?redirectUrl="+url.QueryEscape("https://merchant.example/3ds/return"),
				url.Values{
					"otp":                  {tc.otp},
					"threeDSServerTransID": {serverTransID.String()},
				})
			require.Equal(t, http.StatusFound, w.Code)
			loc, err := url.Parse(w.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, tc.wantTransStatus, loc.Query().Get("transStatus"))
			assert.Equal(t, tc.wantECI, loc.Query().Get("eci"))

			w = postJSON(t, h, "/3ds/final", map[string]any{"threeDSServerTransID": serverTransID})
			require.Equal(t, http.StatusOK, w.Code)
			final := decodeJSON(t, w)
			assert.Equal(t, tc.wantECI, final["eci"])
			assert.Equal(t, tc.wantTransStatus, final["transStatus"])
			if tc.otp != "1234" {
				assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAA==", final["authenticationValue"])
			}
		})
	}
}

// sdkChallengeKey derives the SDK-side challenge key from the signed
// content in the ARes, mirroring what a real SDK does.
func sdkChallengeKey(t *testing.T, signedContent, sdkPrivateKey string, enc string) []byte {
	t.Helper()
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(signedContent, claims)
	require.NoError(t, err)
	ephem, ok := claims["acsEphemPubKey"].(map[string]any)
	require.True(t, ok, "acsEphemPubKey missing from signed content")
	acsPub, err := json.Marshal(ephem)
	require.NoError(t, err)

	platform, err := crypto.PlatformFromEnc(enc)
	require.NoError(t, err)
	key, err := crypto.DeriveKey(string(acsPub), sdkPrivateKey, platform)
	require.NoError(t, err)
	if enc == crypto.EncA128GCM {
		swapped := make([]byte, 32)
		copy(swapped, key[16:])
		copy(swapped[16:], key[:16])
		key = swapped
	}
	return key
}

func mobileChallengeExchange(t *testing.T, enc, otp string) (h http.Handler, serverTransID uuid.UUID, finalCRes map[string]any) {
	t.Helper()
	h = newTestServer(t)
	serverTransID = uuid.New()

	sdkPair, err := crypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)

	body := authRequestBody(serverTransID, "01", "4000000000000002", "04")
	delete(body, "browserInformation")
	body["sdkTransID"] = uuid.New()
	body["sdkEphemeralPublicKey"] = sdkPair.PublicKey
	body["deviceRenderOptions"] = map[string]any{
		"sdkInterface":          "03",
		"sdkUiType":             []string{"01", "02"},
		"sdkAuthenticationType": []string{"01"},
	}

	w := postJSON(t, h, "/3ds/authenticate", body)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON(t, w)
	require.Equal(t, "C", resp["transStatus"])
	ar := resp["authenticationResponse"].(map[string]any)
	require.Contains(t, ar, "acsSignedContent")
	require.NotContains(t, ar, "acsURL")
	acsTransID := ar["acsTransID"].(string)

	key := sdkChallengeKey(t, ar["acsSignedContent"].(string), sdkPair.PrivateKey, enc)
	codec, err := crypto.CodecForEnc(enc)
	require.NoError(t, err)

	send := func(creq map[string]any) map[string]any {
		plaintext, err := json.Marshal(creq)
		require.NoError(t, err)
		token, err := codec.Encrypt(plaintext, acsTransID, key)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/challenge", strings.NewReader(token))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Header().Get("Content-Type"), "application/jose")

		decrypted, err := codec.Decrypt(w.Body.String(), key)
		require.NoError(t, err)
		var cres map[string]any
		require.NoError(t, json.Unmarshal(decrypted, &cres))
		return cres
	}

	prompt := send(map[string]any{
		"messageType":    "CReq",
		"messageVersion": "2.2.0",
		"sdkCounterStoA": "000",
	})
	assert.Equal(t, "CRes", prompt["messageType"])
	assert.Equal(t, "01", prompt["acsUiType"])
	assert.Equal(t, "N", prompt["challengeCompletionInd"])
	assert.Equal(t, "Enter OTP:", prompt["challengeInfoLabel"])

	finalCRes = send(map[string]any{
		"messageType":        "CReq",
		"messageVersion":     "2.2.0",
		"sdkCounterStoA":     "001",
		"challengeDataEntry": otp,
	})
	return h, serverTransID, finalCRes
}

// S4: Android mobile challenge with the correct OTP.
func TestMobileChallengeAndroid(t *testing.T) {
	h, serverTransID, cres := mobileChallengeExchange(t, crypto.EncA128CBCHS256, "1234")
	assert.Equal(t, "Y", cres["transStatus"])
	assert.Equal(t, "Y", cres["challengeCompletionInd"])
	assert.Equal(t, "001", cres["acsCounterAtoS"])

	w := postJSON(t, h, "/3ds/final", map[string]any{"threeDSServerTransID": serverTransID})
	require.Equal(t, http.StatusOK, w.Code)
	final := decodeJSON(t, w)
	assert.Equal(t, "02", final["eci"])
	assert.Equal(t, "Y", final["transStatus"])
}

// S5: iOS mobile challenge with a wrong OTP.
func TestMobileChallengeIOSFailure(t *testing.T) {
	h, serverTransID, cres := mobileChallengeExchange(t, crypto.EncA128GCM, "9999")
	assert.Equal(t, "N", cres["transStatus"])

	w := postJSON(t, h, "/3ds/final", map[string]any{"threeDSServerTransID": serverTransID})
	require.Equal(t, http.StatusOK, w.Code)
	final := decodeJSON(t, w)
	assert.Equal(t, "07", final["eci"])
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAA==", final["authenticationValue"])
}

// S6: the exemption indicator wins over the challenge PAN suffix.
func TestExemptionFlow(t *testing.T) {
	h := newTestServer(t)
	w := postJSON(t, h, "/3ds/authenticate",
		authRequestBody(uuid.New(), "02", "4000000000004001", "05"))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, "Y", body["transStatus"])
	ar := body["authenticationResponse"].(map[string]any)
	assert.Equal(t, "MOCK_ACS_NEW", ar["acsOperatorID"])
	assert.Equal(t, "issuer2", ar["acsReferenceNumber"])
}

func TestMobileRequiresSDKTransID(t *testing.T) {
	h := newTestServer(t)
	body := authRequestBody(uuid.New(), "01", "4000000000004001", "04")
	w := postJSON(t, h, "/3ds/authenticate", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeJSON(t, w)
	assert.Equal(t, "sdkTransId is required for mobile flows (deviceChannel=01)", resp["error"])
}

func TestResultsEndpoint(t *testing.T) {
	h := newTestServer(t)
	serverTransID := uuid.New()

	w := postJSON(t, h, "/3ds/authenticate",
		authRequestBody(serverTransID, "02", "4000000000004001", "01"))
	require.Equal(t, http.StatusOK, w.Code)
	ar := decodeJSON(t, w)["authenticationResponse"].(map[string]any)

	w = postJSON(t, h, "/3ds/results", map[string]any{
		"acsTransID":      ar["acsTransID"],
		"messageCategory": "01",
		"eci":             "02",
		"messageType":     "RReq",
		"acsRenderingType": map[string]any{
			"acsUiTemplate": "01",
			"acsInterface":  "01",
		},
		"dsTransID":            ar["dsTransID"],
		"authenticationMethod": "02",
		"authenticationType":   "02",
		"messageVersion":       "2.2.0",
		"interactionCounter":   "01",
		"authenticationValue":  "QWErty123+/ABCD5678ghijklmn==",
		"transStatus":          "Y",
		"threeDSServerTransID": serverTransID,
	})
	require.Equal(t, http.StatusOK, w.Code)
	rres := decodeJSON(t, w)
	assert.Equal(t, "RRes", rres["messageType"])
	assert.Equal(t, "01", rres["resultsStatus"])
	assert.Equal(t, ar["acsTransID"], rres["acsTransID"])
}

func TestFinalBeforeChallenge(t *testing.T) {
	h := newTestServer(t)
	serverTransID := uuid.New()
	w := postJSON(t, h, "/3ds/authenticate",
		authRequestBody(serverTransID, "02", "4000000000004001", "01"))
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(t, h, "/3ds/final", map[string]any{"threeDSServerTransID": serverTransID})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Results not found for this transaction", decodeJSON(t, w)["error"])
}

func TestFinalUnknownTransaction(t *testing.T) {
	h := newTestServer(t)
	w := postJSON(t, h, "/3ds/final", map[string]any{"threeDSServerTransID": uuid.New()})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Transaction not found", decodeJSON(t, w)["error"])
}

func TestChallengeEndpointErrors(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/challenge", strings.NewReader("not.a.jwe"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, "400", body["errorCode"])
	assert.NotEmpty(t, body["errorDescription"])
}
