package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TokenManager issues per-source feed tokens. A source that registers
// receives a token and must present it on every feed.
type TokenManager struct {
	tokens map[string]*TokenInfo
	mu     sync.RWMutex
}

// TokenInfo contains token metadata
type TokenInfo struct {
	Hash      string
	SourceID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*TokenInfo),
	}
}

// GenerateToken issues a new token for a source. Only the bcrypt hash
// is retained; the plaintext is returned once to the caller.
func (tm *TokenManager) GenerateToken(sourceID string, duration time.Duration) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	token := base64.URLEncoding.EncodeToString(tokenBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.tokens[sourceID] = &TokenInfo{
		Hash:      string(hash),
		SourceID:  sourceID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	return token, nil
}

// ValidateToken checks a source's token against its stored hash
func (tm *TokenManager) ValidateToken(sourceID, token string) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	info, ok := tm.tokens[sourceID]
	if !ok {
		return ErrInvalidToken
	}

	if time.Now().After(info.ExpiresAt) {
		return ErrTokenExpired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(info.Hash), []byte(token)); err != nil {
		return ErrInvalidToken
	}

	return nil
}

// RevokeToken removes a source's token
func (tm *TokenManager) RevokeToken(sourceID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	delete(tm.tokens, sourceID)
}

// CleanupExpiredTokens removes expired tokens
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for sourceID, info := range tm.tokens {
		if now.After(info.ExpiresAt) {
			delete(tm.tokens, sourceID)
		}
	}
}

// APIKeyManager manages operator API keys for the control endpoints
// (rearm, detonate, source management).
type APIKeyManager struct {
	keys map[string]string // key -> description
	mu   sync.RWMutex
}

// NewAPIKeyManager creates a new API key manager
func NewAPIKeyManager() *APIKeyManager {
	return &APIKeyManager{
		keys: make(map[string]string),
	}
}

// GenerateAPIKey generates a new API key
func (akm *APIKeyManager) GenerateAPIKey(description string) (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}

	apiKey := base64.URLEncoding.EncodeToString(keyBytes)

	akm.mu.Lock()
	defer akm.mu.Unlock()

	akm.keys[apiKey] = description
	return apiKey, nil
}

// AddAPIKey registers a preconfigured key (from config or env)
func (akm *APIKeyManager) AddAPIKey(apiKey, description string) {
	akm.mu.Lock()
	defer akm.mu.Unlock()

	akm.keys[apiKey] = description
}

// ValidateAPIKey validates an API key
func (akm *APIKeyManager) ValidateAPIKey(apiKey string) bool {
	akm.mu.RLock()
	defer akm.mu.RUnlock()

	for k := range akm.keys {
		if SecureCompare(k, apiKey) {
			return true
		}
	}
	return false
}

// RevokeAPIKey revokes an API key
func (akm *APIKeyManager) RevokeAPIKey(apiKey string) {
	akm.mu.Lock()
	defer akm.mu.Unlock()

	delete(akm.keys, apiKey)
}

// Middleware enforces Bearer API key auth on protected routes.
// When the manager holds no keys, auth is disabled and requests pass.
func (akm *APIKeyManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		akm.mu.RLock()
		open := len(akm.keys) == 0
		akm.mu.RUnlock()
		if open {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if !akm.ValidateAPIKey(strings.TrimPrefix(header, "Bearer ")) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
