package stream

import (
	"sync"

	"go.uber.org/zap"

	"camrelay/internal/device"
)

// Registry holds the Manager for each configured device and dispatches
// device.Source notifications to the right one. Managers are registered once
// at startup and live for the process lifetime.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
	logger   *zap.SugaredLogger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		managers: make(map[string]*Manager),
		logger:   logger,
	}
}

// Add registers a manager under its device identifier
func (r *Registry) Add(m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers[m.DeviceID()] = m
}

// Get retrieves the manager for a device
func (r *Registry) Get(deviceID string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[deviceID]
	return m, ok
}

// All returns every registered manager
func (r *Registry) All() []*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	return managers
}

// SessionStarted implements device.Handler
func (r *Registry) SessionStarted(station, deviceID string, meta device.Metadata, video, audio device.MediaSource) {
	m, ok := r.Get(deviceID)
	if !ok {
		r.logger.Warnf("session started for unknown device %s, ignoring", deviceID)
		return
	}
	m.SessionStarted(station, deviceID, meta, video, audio)
}

// SessionStopped implements device.Handler
func (r *Registry) SessionStopped(station, deviceID string) {
	m, ok := r.Get(deviceID)
	if !ok {
		return
	}
	m.SessionStopped(station, deviceID)
}
