package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager()

	token, err := tm.GenerateToken("source-1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if err := tm.ValidateToken("source-1", token); err != nil {
		t.Errorf("Expected valid token, got %v", err)
	}
	if err := tm.ValidateToken("source-1", "wrong"); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
	if err := tm.ValidateToken("source-2", token); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for unknown source, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	tm := NewTokenManager()

	token, err := tm.GenerateToken("source-1", -time.Second)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if err := tm.ValidateToken("source-1", token); err != ErrTokenExpired {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}

	tm.CleanupExpiredTokens()
	tm.mu.RLock()
	_, exists := tm.tokens["source-1"]
	tm.mu.RUnlock()
	if exists {
		t.Error("Expected expired token to be removed")
	}
}

func TestRevokeToken(t *testing.T) {
	tm := NewTokenManager()

	token, _ := tm.GenerateToken("source-1", time.Hour)
	tm.RevokeToken("source-1")

	if err := tm.ValidateToken("source-1", token); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken after revoke, got %v", err)
	}
}

func TestAPIKeyManager(t *testing.T) {
	akm := NewAPIKeyManager()

	key, err := akm.GenerateAPIKey("ops")
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}

	if !akm.ValidateAPIKey(key) {
		t.Error("Expected generated key to validate")
	}
	if akm.ValidateAPIKey("bogus") {
		t.Error("Expected unknown key to fail validation")
	}

	akm.RevokeAPIKey(key)
	if akm.ValidateAPIKey(key) {
		t.Error("Expected revoked key to fail validation")
	}
}

func TestMiddleware(t *testing.T) {
	akm := NewAPIKeyManager()
	akm.AddAPIKey("secret", "test")

	handler := akm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid key", "Bearer secret", http.StatusOK},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/rearm", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
	}
}

func TestMiddlewareOpenWhenNoKeys(t *testing.T) {
	akm := NewAPIKeyManager()
	handler := akm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected open access with no keys configured, got %d", rec.Code)
	}
}
