package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"camrelay/internal/device"
	"camrelay/internal/keyframe"
	"camrelay/internal/metrics"
	"camrelay/pkg/models"
)

var (
	// ErrConnectionTimeout is returned by Attach when no session start is
	// observed within the connect timeout.
	ErrConnectionTimeout = errors.New("stream did not start")

	// ErrTooManyConsumers is returned by Attach when the consumer identifier
	// space is exhausted.
	ErrTooManyConsumers = errors.New("too many attached consumers")

	// ErrNoSession is returned when an operation needs an active session
	// and there is none.
	ErrNoSession = errors.New("no active session")
)

// Timing defaults. These are the contract of the relay; Config fields exist
// so tests can shorten them.
const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultInactivityTimeout = 15 * time.Second
	DefaultGracePeriod       = 45 * time.Second

	// consumerIDSpace bounds consumer identifiers; the counter wraps here.
	// Safe because identifiers are only reused once detached, and this many
	// concurrent consumers of one camera is not a realistic load.
	consumerIDSpace = 1024
)

// Config holds per-device manager configuration
type Config struct {
	DeviceID          string
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
	GracePeriod       time.Duration
	CachingEnabled    bool
}

// DefaultConfig returns a manager config with the standard timing constants
func DefaultConfig(deviceID string) Config {
	return Config{
		DeviceID:          deviceID,
		ConnectTimeout:    DefaultConnectTimeout,
		InactivityTimeout: DefaultInactivityTimeout,
		GracePeriod:       DefaultGracePeriod,
		CachingEnabled:    true,
	}
}

type attachResult struct {
	pair *OutletPair
	err  error
}

// Manager multiplexes a device's single upstream session to any number of
// consumers. It deduplicates start requests, seeds new consumers from the
// key-frame cache, and tears the session down by reference count, inactivity
// and the post-detach grace policy. One Manager per device, living for the
// device's lifetime.
//
// All state is guarded by mu. Upstream commands (RequestStart/RequestStop)
// are issued outside the lock because source implementations may call back
// synchronously.
type Manager struct {
	cfg      Config
	source   device.Source
	detector keyframe.Detector
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics

	mu             sync.Mutex
	session        *Session
	starting       bool
	waiters        []chan attachResult
	outlets        map[int]*OutletPair
	nextConsumerID int
	connectTimer   *time.Timer
	graceTimer     *time.Timer
}

// NewManager creates a manager for one device. The manager must be registered
// with the source as its device.Handler (directly or through a Registry)
// before the first Attach.
func NewManager(cfg Config, source device.Source, detector keyframe.Detector, logger *zap.SugaredLogger, m *metrics.Metrics) *Manager {
	if detector == nil {
		detector = keyframe.NewNALDetector()
	}
	return &Manager{
		cfg:      cfg,
		source:   source,
		detector: detector,
		logger:   logger.With("device_id", cfg.DeviceID),
		metrics:  m,
		outlets:  make(map[int]*OutletPair),
	}
}

// DeviceID returns the device this manager serves
func (m *Manager) DeviceID() string {
	return m.cfg.DeviceID
}

// Attach joins a consumer to the device's stream. If a session is active a
// new outlet pair seeded with the current key-frame cache is returned
// immediately and any pending grace teardown is cancelled. Otherwise a start
// is requested upstream (deduplicated across concurrent attaches) and the
// call waits for the session to come up, bounded by the connect timeout.
func (m *Manager) Attach(ctx context.Context) (*OutletPair, error) {
	m.mu.Lock()
	if m.session != nil {
		if m.graceTimer != nil {
			m.graceTimer.Stop()
			m.graceTimer = nil
			m.metrics.SessionReuses.Inc()
			m.logger.Infof("reusing session kept alive in grace window")
		}
		pair, err := m.newPairLocked()
		m.mu.Unlock()
		return pair, err
	}

	ch := make(chan attachResult, 1)
	m.waiters = append(m.waiters, ch)
	needStart := !m.starting
	if needStart {
		m.starting = true
		m.connectTimer = time.AfterFunc(m.cfg.ConnectTimeout, m.connectTimedOut)
	}
	m.mu.Unlock()

	if needStart {
		m.logger.Infof("requesting upstream start")
		if err := m.source.RequestStart(m.cfg.DeviceID); err != nil {
			m.failStart(fmt.Errorf("upstream start request: %w", err))
		}
	}

	select {
	case res := <-ch:
		return res.pair, res.err
	case <-ctx.Done():
		m.removeWaiter(ch)
		// A result may have been delivered concurrently with cancellation;
		// hand the pair back rather than leaking an attached consumer.
		select {
		case res := <-ch:
			if res.pair != nil {
				m.Detach(res.pair.ID())
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Detach removes the consumer's outlet pair, terminates both outlets, and at
// zero remaining consumers applies the termination policy. Returns false when
// no such consumer is attached.
func (m *Manager) Detach(consumerID int) bool {
	m.mu.Lock()
	pair, ok := m.outlets[consumerID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.outlets, consumerID)
	pair.close()
	m.metrics.RecordDetach()
	m.logger.Infof("consumer %d detached, %d remaining", consumerID, len(m.outlets))

	stopNow := false
	if len(m.outlets) == 0 && m.session != nil {
		if m.shouldDeferStopLocked() {
			m.graceTimer = time.AfterFunc(m.cfg.GracePeriod, m.graceExpired)
			m.logger.Infof("last consumer gone, keeping session for %s", m.cfg.GracePeriod)
		} else {
			stopNow = true
		}
	}
	m.mu.Unlock()

	if stopNow {
		m.logger.Infof("last consumer gone, stopping session")
		m.requestStop()
	}
	return true
}

// StopSession asks the upstream source to stop the device's stream. Local
// state is not torn down here; that happens when the SessionStopped
// notification arrives, keeping a single teardown path.
func (m *Manager) StopSession() {
	m.requestStop()
}

// SessionStarted implements device.Handler. A duplicate start notification
// first tears down the existing session; the cache always restarts empty.
func (m *Manager) SessionStarted(station, deviceID string, meta device.Metadata, video, audio device.MediaSource) {
	if deviceID != m.cfg.DeviceID {
		return
	}

	m.mu.Lock()
	if m.session != nil {
		m.logger.Warnf("session start while session %s active, reinitializing", m.session.ID)
		m.teardownSessionLocked()
	}
	m.starting = false
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}

	s := newSession(station, deviceID, meta, video, audio)
	m.session = s
	video.Subscribe(&mediaSink{m: m, s: s, kind: KindVideo})
	audio.Subscribe(&mediaSink{m: m, s: s, kind: KindAudio})
	m.metrics.RecordSessionStart()
	m.logger.Infof("session %s started (station %s, video %s, audio %s)",
		s.ID, station, meta.VideoCodec, meta.AudioCodec)

	// Fulfil every attach that was waiting for this session.
	waiters := m.waiters
	m.waiters = nil
	results := make([]attachResult, 0, len(waiters))
	for range waiters {
		pair, err := m.newPairLocked()
		results = append(results, attachResult{pair: pair, err: err})
	}
	m.mu.Unlock()

	for i, ch := range waiters {
		ch <- results[i]
	}
}

// SessionStopped implements device.Handler
func (m *Manager) SessionStopped(station, deviceID string) {
	if deviceID != m.cfg.DeviceID {
		return
	}
	m.mu.Lock()
	if m.session != nil {
		m.logger.Infof("session %s stopped", m.session.ID)
	}
	m.teardownSessionLocked()
	m.mu.Unlock()
}

// State derives the lifecycle state for the API
func (m *Manager) State() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() models.SessionState {
	switch {
	case m.starting:
		return models.SessionStateStarting
	case m.session == nil:
		return models.SessionStateIdle
	case len(m.outlets) == 0 && m.graceTimer != nil:
		return models.SessionStateGrace
	default:
		return models.SessionStateActive
	}
}

// Info returns a point-in-time view of the device's session for the API
func (m *Manager) Info() models.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := models.SessionInfo{
		DeviceID:  m.cfg.DeviceID,
		State:     m.stateLocked(),
		Consumers: len(m.outlets),
	}
	if s := m.session; s != nil {
		info.Station = s.Station
		info.SessionID = s.ID.String()
		info.StartedAt = s.StartedAt.Format(time.RFC3339)
		info.Duration = int(time.Since(s.StartedAt).Seconds())
		info.VideoCodec = s.Metadata.VideoCodec
		info.AudioCodec = s.Metadata.AudioCodec
		if s.Metadata.Width > 0 && s.Metadata.Height > 0 {
			info.Resolution = fmt.Sprintf("%dx%d", s.Metadata.Width, s.Metadata.Height)
		}
		info.Stats = models.SessionStats{
			VideoFrames:   s.videoFrames,
			AudioFrames:   s.audioFrames,
			BytesReceived: s.bytesReceived,
			KeyFrames:     s.keyFrames,
			CachedBuffers: len(s.cache),
		}
	}
	for _, p := range m.outlets {
		info.Attached = append(info.Attached, models.ConsumerInfo{
			ID:         p.ID(),
			AttachedAt: p.AttachedAt(),
		})
	}
	return info
}

// Snapshot returns a copy of the most recent key frame, for the snapshot
// endpoint. Fails when no session is up or no key frame has been seen yet.
func (m *Manager) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNoSession
	}
	if len(m.session.lastKeyFrame) == 0 {
		return nil, fmt.Errorf("no key frame observed yet")
	}
	buf := make([]byte, len(m.session.lastKeyFrame))
	copy(buf, m.session.lastKeyFrame)
	return buf, nil
}

// onSourceData is the fan-out path for both media kinds. Buffers are pushed
// to every attached outlet in arrival order; Push never blocks, so a slow
// consumer cannot stall the others.
func (m *Manager) onSourceData(s *Session, kind Kind, buf []byte) {
	m.mu.Lock()
	if m.session != s {
		// Late delivery from a superseded session's source.
		m.mu.Unlock()
		m.metrics.FramesDropped.WithLabelValues(m.cfg.DeviceID, "stale_session").Inc()
		return
	}
	s.bytesReceived += uint64(len(buf))
	if kind == KindVideo {
		s.videoFrames++
		isKey := m.detector.IsKeyFrame(buf)
		if isKey {
			m.metrics.KeyFrames.Inc()
		}
		if m.cfg.CachingEnabled {
			s.cacheVideo(buf, isKey)
		} else if isKey {
			s.lastKeyFrame = buf
			s.keyFrames++
		}
		for _, p := range m.outlets {
			p.Video.Push(buf)
		}
	} else {
		s.audioFrames++
		for _, p := range m.outlets {
			p.Audio.Push(buf)
		}
	}
	m.mu.Unlock()

	m.metrics.RecordFrame(m.cfg.DeviceID, string(kind), len(buf))
}

// onSourceFailure handles error and end on either source: both are fatal for
// the session. Every attached consumer is torn down, the upstream is asked to
// stop, and local state resets so the next attach starts clean.
func (m *Manager) onSourceFailure(s *Session, kind Kind, err error) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.logger.Warnf("%s source error on session %s: %v", kind, s.ID, err)
	} else {
		m.logger.Infof("%s source ended on session %s", kind, s.ID)
	}
	m.metrics.UpstreamErrors.Inc()
	m.teardownSessionLocked()
	m.mu.Unlock()

	m.requestStop()
}

// teardownSessionLocked is the idempotent session reset: it terminates all
// outlet pairs, unsubscribes the upstream sources, clears the cache and the
// grace timer, and nulls the session. Pending attach waiters are left in
// place; they are bounded by the connect timer.
func (m *Manager) teardownSessionLocked() {
	for id, pair := range m.outlets {
		pair.close()
		delete(m.outlets, id)
		m.metrics.RecordDetach()
	}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	if s := m.session; s != nil {
		s.unsubscribe()
		m.metrics.RecordSessionStop(time.Since(s.StartedAt).Seconds())
		m.session = nil
	}
}

// shouldDeferStopLocked applies the reuse heuristic: keep the session alive
// only when caching is on and enough of the upstream's session budget remains
// that a reuse would not run past it.
func (m *Manager) shouldDeferStopLocked() bool {
	if !m.cfg.CachingEnabled {
		return false
	}
	maxDur := m.source.MaxSessionDuration(m.cfg.DeviceID)
	if maxDur <= 0 {
		return false
	}
	remaining := maxDur - time.Since(m.session.StartedAt)
	floor := maxDur / 5
	if floor < 20*time.Second {
		floor = 20 * time.Second
	}
	return remaining > floor
}

func (m *Manager) graceExpired() {
	m.mu.Lock()
	if m.graceTimer == nil || m.session == nil || len(m.outlets) > 0 {
		// Cancelled or superseded between firing and acquiring the lock.
		m.mu.Unlock()
		return
	}
	m.graceTimer = nil
	m.mu.Unlock()

	m.logger.Infof("grace period expired, stopping session")
	m.requestStop()
}

func (m *Manager) connectTimedOut() {
	m.mu.Lock()
	if !m.starting {
		m.mu.Unlock()
		return
	}
	m.starting = false
	m.connectTimer = nil
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	m.logger.Warnf("upstream did not start within %s, failing %d attach(es)",
		m.cfg.ConnectTimeout, len(waiters))
	for _, ch := range waiters {
		m.metrics.AttachTimeouts.Inc()
		ch <- attachResult{err: ErrConnectionTimeout}
	}
}

// failStart aborts a pending start attempt, failing every waiter
func (m *Manager) failStart(err error) {
	m.mu.Lock()
	if !m.starting {
		m.mu.Unlock()
		return
	}
	m.starting = false
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- attachResult{err: err}
	}
}

func (m *Manager) removeWaiter(ch chan attachResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// newPairLocked creates, seeds, and registers an outlet pair for the current
// session. The video outlet is seeded with an independent snapshot of the
// key-frame cache so the consumer can render without waiting for the next key
// frame.
func (m *Manager) newPairLocked() (*OutletPair, error) {
	id, err := m.allocConsumerIDLocked()
	if err != nil {
		return nil, err
	}
	pair := &OutletPair{
		id:         id,
		attachedAt: time.Now(),
	}
	pair.Video = newOutlet(KindVideo, id, m.cfg.InactivityTimeout, func() {
		m.logger.Warnf("consumer %d inactive for %s, detaching", id, m.cfg.InactivityTimeout)
		m.metrics.InactivityDisconnects.Inc()
		m.Detach(id)
	})
	pair.Audio = newOutlet(KindAudio, id, 0, nil)
	if m.cfg.CachingEnabled {
		pair.Video.seed(m.session.cacheSnapshot())
	}
	m.outlets[id] = pair
	m.metrics.RecordAttach()
	m.logger.Infof("consumer %d attached, %d total", id, len(m.outlets))
	return pair, nil
}

// allocConsumerIDLocked draws the next identifier from the wrapping counter,
// skipping identifiers still attached.
func (m *Manager) allocConsumerIDLocked() (int, error) {
	for i := 0; i < consumerIDSpace; i++ {
		id := m.nextConsumerID
		m.nextConsumerID = (m.nextConsumerID + 1) % consumerIDSpace
		if _, taken := m.outlets[id]; !taken {
			return id, nil
		}
	}
	return 0, ErrTooManyConsumers
}

func (m *Manager) requestStop() {
	if err := m.source.RequestStop(m.cfg.DeviceID); err != nil {
		m.logger.Warnf("upstream stop request failed: %v", err)
	}
}
