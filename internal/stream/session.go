package stream

import (
	"time"

	"github.com/google/uuid"

	"camrelay/internal/device"
)

// Session represents the single active upstream stream for a device. It is
// owned exclusively by the Manager; all mutation happens under the Manager's
// lock.
type Session struct {
	ID        uuid.UUID
	Station   string
	DeviceID  string
	Metadata  device.Metadata
	StartedAt time.Time

	video device.MediaSource
	audio device.MediaSource

	// Key-frame cache: the most recent key frame and every video buffer
	// received since. Reset on session init and on each new key frame.
	// Buffers before the first key frame of a session are not cached.
	cache [][]byte

	// Latest key frame on its own, kept for the snapshot endpoint.
	lastKeyFrame []byte

	videoFrames   uint64
	audioFrames   uint64
	bytesReceived uint64
	keyFrames     uint64
}

func newSession(station, deviceID string, meta device.Metadata, video, audio device.MediaSource) *Session {
	return &Session{
		ID:        uuid.New(),
		Station:   station,
		DeviceID:  deviceID,
		Metadata:  meta,
		StartedAt: time.Now(),
		video:     video,
		audio:     audio,
	}
}

// cacheVideo classifies buf and updates the key-frame cache accordingly:
// a key frame restarts the cache with exactly this buffer, anything else is
// appended only once a key frame has been seen.
func (s *Session) cacheVideo(buf []byte, isKeyFrame bool) {
	if isKeyFrame {
		s.cache = [][]byte{buf}
		s.lastKeyFrame = buf
		s.keyFrames++
		return
	}
	if len(s.cache) > 0 {
		s.cache = append(s.cache, buf)
	}
}

// cacheSnapshot returns an independent copy of the cache sequence. The byte
// buffers themselves are shared under the immutability contract of
// device.MediaSink; only the slice is copied so that cache growth after the
// snapshot never leaks into an already-seeded outlet.
func (s *Session) cacheSnapshot() [][]byte {
	if len(s.cache) == 0 {
		return nil
	}
	snap := make([][]byte, len(s.cache))
	copy(snap, s.cache)
	return snap
}

// unsubscribe detaches the session's sinks from both upstream sources
func (s *Session) unsubscribe() {
	if s.video != nil {
		s.video.Unsubscribe()
	}
	if s.audio != nil {
		s.audio.Unsubscribe()
	}
}

// mediaSink adapts the Manager's data path to device.MediaSink for one media
// kind of one specific session. Carrying the session pointer lets the Manager
// discard late callbacks from a source belonging to a superseded session.
type mediaSink struct {
	m    *Manager
	s    *Session
	kind Kind
}

func (ms *mediaSink) OnData(buf []byte) {
	ms.m.onSourceData(ms.s, ms.kind, buf)
}

func (ms *mediaSink) OnError(err error) {
	ms.m.onSourceFailure(ms.s, ms.kind, err)
}

func (ms *mediaSink) OnEnd() {
	ms.m.onSourceFailure(ms.s, ms.kind, nil)
}
