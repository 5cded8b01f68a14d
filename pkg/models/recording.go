package models

import "time"

// Chunk represents one recorded media chunk written to storage
type Chunk struct {
	DeviceID    string    // Device this chunk belongs to
	Kind        string    // "video" or "audio"
	SequenceNum uint64    // Chunk sequence number within the recording
	FilePath    string    // Path in the storage backend
	FileSize    int64     // Size in bytes
	CreatedAt   time.Time // When chunk was written
}

// RecordingInfo describes an active or finished recording for the API
type RecordingInfo struct {
	DeviceID  string `json:"deviceId"`
	Active    bool   `json:"active"`
	StartedAt string `json:"startedAt,omitempty"`
	Chunks    uint64 `json:"chunks"`
	Bytes     uint64 `json:"bytes"`
}
