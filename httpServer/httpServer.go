package httpServer

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"camrelay/internal/auth"
	"camrelay/internal/metrics"
	"camrelay/internal/recorder"
	"camrelay/internal/stream"
	"camrelay/pkg/models"
)

// Server wraps the HTTP server with dependencies
type Server struct {
	router      *gin.Engine
	registry    *stream.Registry
	authManager *auth.Manager
	recorder    *recorder.Recorder
	metrics     *metrics.Metrics
	baseURL     string // e.g., "http://localhost:8080"
}

// New creates a new HTTP server
func New(registry *stream.Registry, authManager *auth.Manager, rec *recorder.Recorder, m *metrics.Metrics, baseURL string) *Server {
	s := &Server{
		registry:    registry,
		authManager: authManager,
		recorder:    rec,
		metrics:     m,
		baseURL:     baseURL,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.Default()
	router.Use(s.metricsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.POST("/v1/view", s.handleView)
		api.GET("/v1/devices", s.handleListDevices)
		api.GET("/v1/devices/:deviceID", s.handleGetDevice)
		api.POST("/v1/devices/:deviceID/stop", s.handleStopDevice)
		api.GET("/v1/devices/:deviceID/snapshot", s.handleSnapshot)
		api.POST("/v1/devices/:deviceID/record/start", s.handleRecordStart)
		api.POST("/v1/devices/:deviceID/record/stop", s.handleRecordStop)
		api.GET("/v1/devices/:deviceID/record/chunks", s.handleRecordChunks)
	}

	live := router.Group("/live")
	{
		live.GET("/:deviceID/video", s.handleLiveVideo)
		live.GET("/:deviceID/audio", s.handleLiveAudio)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = router
}

// Run starts the HTTP server
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// metricsMiddleware records request counts and latency per route
func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleView(c *gin.Context) {
	var req models.ViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, ok := s.registry.Get(req.DeviceID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	clientIP := c.ClientIP()
	token, err := s.authManager.GenerateViewToken(req.DeviceID, req.ExpiresIn, clientIP)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.ViewResponse{
		DeviceID:  req.DeviceID,
		Token:     token.Token,
		VideoURL:  fmt.Sprintf("%s/live/%s/video?token=%s", s.baseURL, req.DeviceID, token.Token),
		AudioURL:  fmt.Sprintf("%s/live/%s/audio?token=%s", s.baseURL, req.DeviceID, token.Token),
		ExpiresAt: token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	managers := s.registry.All()

	devices := make([]models.SessionInfo, 0, len(managers))
	for _, mgr := range managers {
		devices = append(devices, mgr.Info())
	}

	c.JSON(http.StatusOK, models.DeviceListResponse{
		Devices: devices,
		Total:   len(devices),
	})
}

func (s *Server) handleGetDevice(c *gin.Context) {
	deviceID := c.Param("deviceID")

	mgr, ok := s.registry.Get(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	c.JSON(http.StatusOK, mgr.Info())
}

func (s *Server) handleStopDevice(c *gin.Context) {
	deviceID := c.Param("deviceID")

	mgr, ok := s.registry.Get(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	mgr.StopSession()
	c.JSON(http.StatusOK, gin.H{
		"message":  "stop requested",
		"deviceID": deviceID,
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	deviceID := c.Param("deviceID")

	mgr, ok := s.registry.Get(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	frame, err := mgr.Snapshot()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, "video/octet-stream", frame)
}

func (s *Server) handleRecordStart(c *gin.Context) {
	deviceID := c.Param("deviceID")

	if _, ok := s.registry.Get(deviceID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	if err := s.recorder.StartRecording(c.Request.Context(), deviceID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, stream.ErrConnectionTimeout) {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, s.recorder.Info(deviceID))
}

func (s *Server) handleRecordStop(c *gin.Context) {
	deviceID := c.Param("deviceID")

	info := s.recorder.Info(deviceID)
	if err := s.recorder.StopRecording(deviceID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	info.Active = false
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleRecordChunks(c *gin.Context) {
	deviceID := c.Param("deviceID")

	if _, ok := s.registry.Get(deviceID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	files, err := s.recorder.Chunks(deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deviceId": deviceID,
		"active":   s.recorder.ChunkList(deviceID),
		"stored":   files,
	})
}

func (s *Server) handleLiveVideo(c *gin.Context) {
	s.serveLive(c, func(pair *stream.OutletPair) *stream.Outlet { return pair.Video }, "video/octet-stream")
}

func (s *Server) handleLiveAudio(c *gin.Context) {
	s.serveLive(c, func(pair *stream.OutletPair) *stream.Outlet { return pair.Audio }, "audio/octet-stream")
}

// serveLive attaches a consumer and streams raw media buffers until the
// viewer disconnects, the outlet is terminated, or the session ends. Each
// buffer is written length-prefixed (4-byte big-endian) so the client can
// recover frame boundaries.
func (s *Server) serveLive(c *gin.Context, pick func(*stream.OutletPair) *stream.Outlet, contentType string) {
	deviceID := c.Param("deviceID")
	token := c.Query("token")

	if err := s.authManager.ValidateToken(token, deviceID); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	mgr, ok := s.registry.Get(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	ctx := c.Request.Context()
	pair, err := mgr.Attach(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, stream.ErrConnectionTimeout) {
			status = http.StatusGatewayTimeout
		} else if errors.Is(err, stream.ErrTooManyConsumers) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer mgr.Detach(pair.ID())

	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	outlet := pick(pair)
	var lenPrefix [4]byte
	for {
		buf, err := outlet.Next(ctx)
		if err != nil {
			return // viewer gone or outlet terminated
		}
		lenPrefix[0] = byte(len(buf) >> 24)
		lenPrefix[1] = byte(len(buf) >> 16)
		lenPrefix[2] = byte(len(buf) >> 8)
		lenPrefix[3] = byte(len(buf))
		if _, err := c.Writer.Write(lenPrefix[:]); err != nil {
			return
		}
		if _, err := c.Writer.Write(buf); err != nil {
			return
		}
		c.Writer.Flush()
	}
}
