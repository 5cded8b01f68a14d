package models

import "time"

// SessionState represents the lifecycle state of a device's upstream session
type SessionState string

const (
	SessionStateIdle     SessionState = "idle"     // no session, no start pending
	SessionStateStarting SessionState = "starting" // upstream start requested, not yet confirmed
	SessionStateActive   SessionState = "active"   // session up, consumers attached
	SessionStateGrace    SessionState = "grace"    // session up, no consumers, kept alive for reuse
)

// SessionStats tracks per-session counters
type SessionStats struct {
	VideoFrames   uint64 `json:"videoFrames"`   // Video buffers received from upstream
	AudioFrames   uint64 `json:"audioFrames"`   // Audio buffers received from upstream
	BytesReceived uint64 `json:"bytesReceived"` // Total payload bytes received
	KeyFrames     uint64 `json:"keyFrames"`     // Key frames detected
	CachedBuffers int    `json:"cachedBuffers"` // Current key-frame cache depth
}

// ConsumerInfo describes one attached consumer for the API
type ConsumerInfo struct {
	ID         int       `json:"id"`
	AttachedAt time.Time `json:"attachedAt"`
}

// SessionInfo represents a device's session state returned by the API
type SessionInfo struct {
	Station    string         `json:"station,omitempty"`
	DeviceID   string         `json:"deviceId"`
	SessionID  string         `json:"sessionId,omitempty"`
	State      SessionState   `json:"state"`
	StartedAt  string         `json:"startedAt,omitempty"`
	Duration   int            `json:"duration,omitempty"` // seconds
	Consumers  int            `json:"consumers"`
	VideoCodec string         `json:"videoCodec,omitempty"`
	AudioCodec string         `json:"audioCodec,omitempty"`
	Resolution string         `json:"resolution,omitempty"` // e.g., "1920x1080"
	Stats      SessionStats   `json:"stats"`
	Attached   []ConsumerInfo `json:"attached,omitempty"`
}

// DeviceListResponse represents the device list endpoint payload
type DeviceListResponse struct {
	Devices []SessionInfo `json:"devices"`
	Total   int           `json:"total"`
}
