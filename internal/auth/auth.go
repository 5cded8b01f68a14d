package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"camrelay/pkg/models"
)

// Manager issues and validates view tokens for the live delivery endpoints
type Manager struct {
	tokens map[string]*models.ViewToken // token -> ViewToken
	mu     sync.RWMutex

	// Config
	defaultExpiration time.Duration
	maxExpiration     time.Duration
}

// New creates a new auth manager. Zero expirations fall back to one hour
// default, 24 hour maximum.
func New(defaultExpiration, maxExpiration time.Duration) *Manager {
	if defaultExpiration <= 0 {
		defaultExpiration = 1 * time.Hour
	}
	if maxExpiration <= 0 {
		maxExpiration = 24 * time.Hour
	}
	return &Manager{
		tokens:            make(map[string]*models.ViewToken),
		defaultExpiration: defaultExpiration,
		maxExpiration:     maxExpiration,
	}
}

// GenerateViewToken creates a new view token for a device. A token is valid
// for any number of attaches until it expires; a viewer typically uses it for
// the video and audio endpoints of a single session.
func (m *Manager) GenerateViewToken(deviceID string, expiresIn int, viewerIP string) (*models.ViewToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	tokenString := hex.EncodeToString(tokenBytes)

	var expiration time.Duration
	if expiresIn > 0 {
		expiration = time.Duration(expiresIn) * time.Second
	} else {
		expiration = m.defaultExpiration
	}
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	token := &models.ViewToken{
		Token:     tokenString,
		DeviceID:  deviceID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(expiration),
		ViewerIP:  viewerIP,
	}
	m.tokens[tokenString] = token

	return token, nil
}

// ValidateToken checks if a token is valid for viewing a device
func (m *Manager) ValidateToken(tokenString string, deviceID string) error {
	m.mu.RLock()
	token, exists := m.tokens[tokenString]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("invalid token")
	}
	if !token.IsValid() {
		return fmt.Errorf("token expired")
	}
	if token.DeviceID != deviceID {
		return fmt.Errorf("token not valid for this device")
	}
	return nil
}

// RevokeToken revokes a token
func (m *Manager) RevokeToken(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenString)
}

// CleanupExpiredTokens removes all expired tokens (call periodically)
func (m *Manager) CleanupExpiredTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for tokenString, token := range m.tokens {
		if now.After(token.ExpiresAt) {
			delete(m.tokens, tokenString)
		}
	}
}

// GetTokenCount returns the number of active tokens
func (m *Manager) GetTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
