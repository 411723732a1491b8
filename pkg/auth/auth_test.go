package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://id.example.com/"
	testAudience = "planmeter"
	testSecret   = "test-hmac-secret"
)

func newJWKSVerifier(t *testing.T) (*Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "test-key",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	verifier, err := NewVerifier(ctx, Config{JWKSURL: server.URL, Issuer: testIssuer, Audience: testAudience})
	require.NoError(t, err)
	return verifier, key
}

func newHMACVerifier(t *testing.T) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(context.Background(), Config{HMACSecret: testSecret})
	require.NoError(t, err)
	return verifier
}

func testClaims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   sub,
		"email": sub + "@example.com",
		"exp":   now.Add(10 * time.Minute).Unix(),
		"iat":   now.Unix(),
	}
}

func signRSA(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	s, err := token.SignedString(key)
	require.NoError(t, err)
	return s
}

func signHMAC(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{JWKSURL: "https://x", HMACSecret: "s"}).Validate())
	assert.NoError(t, (&Config{HMACSecret: "s"}).Validate())
}

func TestVerifier_JWKS(t *testing.T) {
	verifier, key := newJWKSVerifier(t)

	claims, err := verifier.Verify(signRSA(t, key, testClaims("user-123")))
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "user-123@example.com", claims.Email)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = verifier.Verify(signRSA(t, otherKey, testClaims("user-123")))
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongAud := testClaims("user-123")
	wrongAud["aud"] = "someone-else"
	_, err = verifier.Verify(signRSA(t, key, wrongAud))
	assert.ErrorIs(t, err, ErrInvalidToken)

	// HS256 tokens are not accepted by a JWKS verifier
	_, err = verifier.Verify(signHMAC(t, testSecret, testClaims("user-123")))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_HMAC(t *testing.T) {
	verifier := newHMACVerifier(t)

	claims, err := verifier.Verify(signHMAC(t, testSecret, testClaims("acct-1")))
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.Subject)

	_, err = verifier.Verify(signHMAC(t, "wrong-secret", testClaims("acct-1")))
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := testClaims("acct-1")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err = verifier.Verify(signHMAC(t, testSecret, expired))
	assert.ErrorIs(t, err, ErrInvalidToken)

	noExp := testClaims("acct-1")
	delete(noExp, "exp")
	_, err = verifier.Verify(signHMAC(t, testSecret, noExp))
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSub := testClaims("")
	_, err = verifier.Verify(signHMAC(t, testSecret, noSub))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	verifier := newHMACVerifier(t)
	valid := signHMAC(t, testSecret, testClaims("acct-1"))

	echoUser := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserID(r) + "|" + Email(r)))
	})

	tests := []struct {
		name     string
		optional bool
		header   string
		wantCode int
		wantBody string
	}{
		{"missing token", false, "", http.StatusUnauthorized, ""},
		{"malformed header", false, "Token abc", http.StatusUnauthorized, ""},
		{"empty bearer", false, "Bearer ", http.StatusUnauthorized, ""},
		{"invalid token", false, "Bearer not-a-jwt", http.StatusUnauthorized, ""},
		{"valid token", false, "Bearer " + valid, http.StatusOK, "acct-1|acct-1@example.com"},
		{"lowercase scheme", false, "bearer " + valid, http.StatusOK, "acct-1|acct-1@example.com"},
		{"optional anonymous", true, "", http.StatusOK, "|"},
		{"optional still verifies", true, "Bearer not-a-jwt", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Middleware(verifier, MiddlewareConfig{Optional: tt.optional})(echoUser)
			req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			} else {
				assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	token, ok := extractBearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = extractBearerToken("Bearer")
	assert.False(t, ok)
	_, ok = extractBearerToken("Basic abc")
	assert.False(t, ok)
}

func TestUserID_Anonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, UserID(req))
	_, ok := ClaimsFromContext(req.Context())
	assert.False(t, ok)
}
