package models

import "time"

// ViewToken represents a token for viewing a device's live stream
type ViewToken struct {
	Token     string    // The actual token string
	DeviceID  string    // Device this token is valid for
	CreatedAt time.Time // When token was created
	ExpiresAt time.Time // When token expires
	ViewerIP  string    // IP address that requested the token
}

// IsValid checks if the token is still valid
func (t *ViewToken) IsValid() bool {
	return time.Now().Before(t.ExpiresAt)
}

// ViewRequest represents a request to create a view token
type ViewRequest struct {
	DeviceID  string `json:"deviceId" binding:"required"`
	ExpiresIn int    `json:"expiresIn"` // Seconds until expiration (default 3600)
}

// ViewResponse represents the response to a view request
type ViewResponse struct {
	DeviceID  string `json:"deviceId"`
	Token     string `json:"token"`
	VideoURL  string `json:"videoUrl"`
	AudioURL  string `json:"audioUrl"`
	ExpiresAt string `json:"expiresAt"`
}
