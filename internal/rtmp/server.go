package rtmp

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"go.uber.org/zap"

	"camrelay/internal/device"
	"camrelay/internal/metrics"
)

// Server is an RTMP ingest server acting as the device/session source for the
// relay: cameras (or encoders fronting them) publish to
// rtmp://host/live/<deviceID>, and the relay drives the session lifecycle
// through the device.Source interface.
//
// RequestStart arms a device: if its publisher is already connected the
// session is announced immediately, otherwise it is announced when the
// publisher shows up (bounded by the relay's own connect timeout).
// RequestStop disconnects the publisher; the SessionStopped notification
// follows from the connection teardown, keeping one source of truth.
type Server struct {
	addr               string
	station            string
	maxSessionDuration time.Duration
	handler            device.Handler
	logger             *zap.SugaredLogger
	metrics            *metrics.Metrics
	server             *rtmp.Server

	mu         sync.Mutex
	publishers map[string]*publisher // deviceID -> connected publisher
	wanted     map[string]bool       // deviceIDs with a start requested
}

// Config holds the RTMP ingest configuration
type Config struct {
	Addr               string
	Station            string
	MaxSessionDuration time.Duration
}

// New creates a new RTMP ingest server. The device.Handler receives session
// lifecycle notifications; a nil handler can be supplied here and set later
// with SetHandler, but it must be in place before serving.
func New(cfg Config, handler device.Handler, logger *zap.SugaredLogger, m *metrics.Metrics) *Server {
	s := &Server{
		addr:               cfg.Addr,
		station:            cfg.Station,
		maxSessionDuration: cfg.MaxSessionDuration,
		handler:            handler,
		logger:             logger.Named("rtmp"),
		metrics:            m,
		publishers:         make(map[string]*publisher),
		wanted:             make(map[string]bool),
	}

	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})

	return s
}

// SetHandler installs the session lifecycle handler. The handler consumes
// this server as its device.Source, so the two are wired after construction.
func (s *Server) SetHandler(handler device.Handler) {
	s.handler = handler
}

// ListenAndServe starts the RTMP server
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Infof("RTMP ingest listening on %s", s.addr)
	return s.server.Serve(listener)
}

// Close shuts down the RTMP server
func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// RequestStart implements device.Source
func (s *Server) RequestStart(deviceID string) error {
	s.mu.Lock()
	pub := s.publishers[deviceID]
	if pub == nil || pub.announced {
		s.wanted[deviceID] = true
		s.mu.Unlock()
		if pub == nil {
			s.logger.Infof("start requested for %s, waiting for publisher", deviceID)
		}
		return nil
	}
	pub.announced = true
	s.mu.Unlock()

	s.announce(pub)
	return nil
}

// RequestStop implements device.Source
func (s *Server) RequestStop(deviceID string) error {
	s.mu.Lock()
	delete(s.wanted, deviceID)
	pub := s.publishers[deviceID]
	s.mu.Unlock()

	if pub != nil {
		s.logger.Infof("stop requested for %s, disconnecting publisher", deviceID)
		pub.conn.Close() // teardown continues in OnClose
	}
	return nil
}

// MaxSessionDuration implements device.Source
func (s *Server) MaxSessionDuration(deviceID string) time.Duration {
	return s.maxSessionDuration
}

// announce emits SessionStarted for a publisher's stream
func (s *Server) announce(pub *publisher) {
	s.logger.Infof("announcing session for device %s", pub.deviceID)
	s.handler.SessionStarted(s.station, pub.deviceID, pub.meta, pub.video, pub.audio)
}

// onConnect handles new RTMP connections
func (s *Server) onConnect(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	s.logger.Infof("new RTMP connection from %s", conn.RemoteAddr())
	s.metrics.RTMPConnections.Inc()

	handler := &connHandler{
		server: s,
		conn:   conn,
	}

	return conn, &rtmp.ConnConfig{
		Handler: handler,

		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: 6 * 1024 * 1024, // 6MB
		},
	}
}

// publisher is one connected camera/encoder publishing a device's stream
type publisher struct {
	deviceID  string
	conn      net.Conn
	meta      device.Metadata
	video     *pushSource
	audio     *pushSource
	announced bool
}

// connHandler handles RTMP connection events for one publisher
type connHandler struct {
	rtmp.DefaultHandler

	server *Server
	conn   net.Conn

	mu  sync.Mutex
	pub *publisher
}

// OnPublish registers the publisher for its device and, if the relay already
// asked for a start, announces the session right away.
func (h *connHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	deviceID := parseDeviceID(cmd.PublishingName)
	if deviceID == "" {
		return fmt.Errorf("missing device id in publishing name %q", cmd.PublishingName)
	}

	pub := &publisher{
		deviceID: deviceID,
		conn:     h.conn,
		meta: device.Metadata{
			VideoCodec: "h264",
			AudioCodec: "aac",
		},
		video: &pushSource{},
		audio: &pushSource{},
	}

	s := h.server
	s.mu.Lock()
	if _, exists := s.publishers[deviceID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("device %s already has a publisher", deviceID)
	}
	s.publishers[deviceID] = pub
	announce := s.wanted[deviceID]
	if announce {
		delete(s.wanted, deviceID)
		pub.announced = true
	}
	s.mu.Unlock()

	h.mu.Lock()
	h.pub = pub
	h.mu.Unlock()

	s.logger.Infof("publisher connected for device %s from %s", deviceID, h.conn.RemoteAddr())
	if announce {
		s.announce(pub)
	}
	return nil
}

// OnAudio forwards one audio payload to the relay
func (h *connHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	pub := h.currentPublisher()
	if pub == nil || !pub.announced {
		return nil // ignore data before publish/announce
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		pub.audio.fail(err)
		return err
	}
	h.server.metrics.RTMPBytesReceived.Add(float64(len(data)))

	// Strip the 2-byte FLV audio tag header (sound format + AAC packet
	// type); the payload itself stays opaque. Sequence headers carry codec
	// config, not audio, and are not forwarded.
	if len(data) <= 2 {
		return nil
	}
	if data[1] == 0 { // AAC sequence header
		return nil
	}
	pub.audio.push(data[2:])
	return nil
}

// OnVideo forwards one video payload to the relay
func (h *connHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	pub := h.currentPublisher()
	if pub == nil || !pub.announced {
		return nil
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		pub.video.fail(err)
		return err
	}
	h.server.metrics.RTMPBytesReceived.Add(float64(len(data)))

	// Strip the 5-byte FLV video tag header (frame type/codec id, AVC
	// packet type, composition time); the payload itself stays opaque.
	if len(data) <= 5 {
		return nil
	}
	if data[1] == 0 { // AVC sequence header, codec config only
		return nil
	}
	pub.video.push(data[5:])
	return nil
}

// OnClose tears the publisher down: both media sources end, then the session
// stop is reported.
func (h *connHandler) OnClose() {
	s := h.server
	s.metrics.RTMPDisconnects.Inc()

	pub := h.currentPublisher()
	if pub == nil {
		return
	}

	s.mu.Lock()
	if s.publishers[pub.deviceID] == pub {
		delete(s.publishers, pub.deviceID)
	}
	s.mu.Unlock()

	s.logger.Infof("publisher for device %s disconnected", pub.deviceID)
	if pub.announced {
		pub.video.end()
		pub.audio.end()
		s.handler.SessionStopped(s.station, pub.deviceID)
	}
}

func (h *connHandler) currentPublisher() *publisher {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pub
}

// parseDeviceID extracts the device id from the publishing name, dropping any
// query suffix ("cam-1?foo=bar" -> "cam-1").
func parseDeviceID(publishingName string) string {
	for i, c := range publishingName {
		if c == '?' {
			return publishingName[:i]
		}
	}
	return publishingName
}

// pushSource implements device.MediaSource for one media kind of one
// publisher. Delivery callbacks run without holding the source's lock so the
// sink is free to call back into the source.
type pushSource struct {
	mu    sync.Mutex
	sink  device.MediaSink
	ended bool
}

// Subscribe implements device.MediaSource
func (p *pushSource) Subscribe(sink device.MediaSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// Unsubscribe implements device.MediaSource
func (p *pushSource) Unsubscribe() {
	p.mu.Lock()
	p.sink = nil
	p.mu.Unlock()
}

func (p *pushSource) push(buf []byte) {
	p.mu.Lock()
	sink := p.sink
	ended := p.ended
	p.mu.Unlock()
	if sink != nil && !ended {
		sink.OnData(buf)
	}
}

func (p *pushSource) end() {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink.OnEnd()
	}
}

func (p *pushSource) fail(err error) {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink.OnError(err)
	}
}
