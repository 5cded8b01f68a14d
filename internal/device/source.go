package device

import "time"

// Metadata describes the codec parameters of an active upstream stream.
// The relay core treats it as opaque; it is only surfaced through the API
// so consumers know what they are about to decode.
type Metadata struct {
	VideoCodec string  // "h264", "h265"
	AudioCodec string  // "aac", "mp3"
	Width      int     // Video width, 0 if unknown
	Height     int     // Video height, 0 if unknown
	FrameRate  float64 // Video frame rate, 0 if unknown
	SampleRate int     // Audio sample rate, 0 if unknown
	Channels   int     // Audio channels, 0 if unknown
}

// MediaSink receives the push-side notifications of a MediaSource.
type MediaSink interface {
	// OnData delivers one opaque payload buffer. The buffer must not be
	// retained or modified by the source after the call returns.
	OnData(buf []byte)

	// OnError reports a fatal source error. No further callbacks follow.
	OnError(err error)

	// OnEnd reports a clean end of stream. No further callbacks follow.
	OnEnd()
}

// MediaSource is a push-based producer of opaque byte buffers for a single
// media kind (video or audio) of an active session.
type MediaSource interface {
	// Subscribe registers the sink. A source delivers to at most one sink;
	// subscribing replaces any previous one.
	Subscribe(sink MediaSink)

	// Unsubscribe detaches the current sink. Buffers produced afterwards
	// are dropped by the source.
	Unsubscribe()
}

// Handler receives session lifecycle notifications from a Source.
type Handler interface {
	// SessionStarted reports that the device's stream is up. The video and
	// audio sources are valid until SessionStopped for the same device.
	SessionStarted(station, deviceID string, meta Metadata, video, audio MediaSource)

	// SessionStopped reports that the device's stream is down, whether
	// requested or not.
	SessionStopped(station, deviceID string)
}

// Source is the device/session collaborator that owns the actual upstream
// connection to a camera. Implementations are expected to be asynchronous:
// RequestStart returns once the start has been issued, and the outcome is
// reported through the registered Handler.
type Source interface {
	// RequestStart asks the device to begin streaming.
	RequestStart(deviceID string) error

	// RequestStop asks the device to stop streaming. Local state teardown
	// happens when the corresponding SessionStopped notification arrives.
	RequestStop(deviceID string) error

	// MaxSessionDuration reports the upstream's own session duration limit
	// for the device, used by the relay's keep-alive policy.
	MaxSessionDuration(deviceID string) time.Duration
}
