package recorder

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"camrelay/internal/keyframe"
	"camrelay/internal/metrics"
	"camrelay/internal/storage"
	"camrelay/internal/stream"
	"camrelay/pkg/models"
)

// Recorder archives device streams to storage. It attaches to a device's
// session through the Manager exactly like an external consumer, drains its
// outlet pair, and rotates raw chunk files. Video chunks rotate on key-frame
// boundaries so every file starts with a decodable prefix.
type Recorder struct {
	storage       storage.Storage
	registry      *stream.Registry
	detector      keyframe.Detector
	logger        *zap.SugaredLogger
	metrics       *metrics.Metrics
	chunkDuration time.Duration

	mu   sync.Mutex
	jobs map[string]*job // deviceID -> active recording
}

// New creates a new recorder
func New(store storage.Storage, registry *stream.Registry, detector keyframe.Detector, logger *zap.SugaredLogger, m *metrics.Metrics, chunkDuration time.Duration) *Recorder {
	if detector == nil {
		detector = keyframe.NewNALDetector()
	}
	return &Recorder{
		storage:       store,
		registry:      registry,
		detector:      detector,
		logger:        logger.Named("recorder"),
		metrics:       m,
		chunkDuration: chunkDuration,
		jobs:          make(map[string]*job),
	}
}

// StartRecording attaches to the device and begins archiving chunks.
// Starting a recording starts the device's session if none is running.
func (r *Recorder) StartRecording(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	if _, exists := r.jobs[deviceID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("already recording device %s", deviceID)
	}
	r.mu.Unlock()

	mgr, ok := r.registry.Get(deviceID)
	if !ok {
		return fmt.Errorf("unknown device %s", deviceID)
	}

	pair, err := mgr.Attach(ctx)
	if err != nil {
		return fmt.Errorf("attach for recording: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{
		recorder:  r,
		manager:   mgr,
		deviceID:  deviceID,
		pair:      pair,
		startedAt: time.Now(),
		ctx:       jobCtx,
		cancel:    cancel,
	}

	r.mu.Lock()
	r.jobs[deviceID] = j
	r.mu.Unlock()

	go j.drainVideo()
	go j.drainAudio()

	r.logger.Infof("recording started for device %s (consumer %d)", deviceID, pair.ID())
	return nil
}

// StopRecording detaches the recording consumer and flushes pending chunks
func (r *Recorder) StopRecording(deviceID string) error {
	r.mu.Lock()
	j, exists := r.jobs[deviceID]
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("not recording device %s", deviceID)
	}
	j.finish()
	return nil
}

// Info reports the recording state for a device
func (r *Recorder) Info(deviceID string) models.RecordingInfo {
	r.mu.Lock()
	j, exists := r.jobs[deviceID]
	r.mu.Unlock()

	info := models.RecordingInfo{DeviceID: deviceID}
	if exists {
		info.Active = true
		info.StartedAt = j.startedAt.Format(time.RFC3339)
		j.mu.Lock()
		info.Chunks = j.chunks
		info.Bytes = j.bytes
		j.mu.Unlock()
	}
	return info
}

// Chunks lists the chunk files stored for a device recording directory
func (r *Recorder) Chunks(deviceID string) ([]string, error) {
	return r.storage.List(deviceID)
}

// ChunkList describes every chunk written by the device's active recording
func (r *Recorder) ChunkList(deviceID string) []models.Chunk {
	r.mu.Lock()
	j, exists := r.jobs[deviceID]
	r.mu.Unlock()
	if !exists {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	chunks := make([]models.Chunk, len(j.written))
	copy(chunks, j.written)
	return chunks
}

// job is one active recording
type job struct {
	recorder  *Recorder
	manager   *stream.Manager
	deviceID  string
	pair      *stream.OutletPair
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	done      sync.Once

	mu      sync.Mutex
	chunks  uint64
	bytes   uint64
	written []models.Chunk
}

// finish detaches and stops both drain loops. Safe to call from any path:
// explicit stop, session teardown, or drain error.
func (j *job) finish() {
	j.done.Do(func() {
		j.cancel()
		j.manager.Detach(j.pair.ID())

		r := j.recorder
		r.mu.Lock()
		if r.jobs[j.deviceID] == j {
			delete(r.jobs, j.deviceID)
		}
		r.mu.Unlock()

		r.logger.Infof("recording stopped for device %s (%d chunks)", j.deviceID, j.chunks)
	})
}

// drainVideo pulls video buffers and rotates chunks on the first key frame
// after the chunk duration elapses.
func (j *job) drainVideo() {
	defer j.finish()

	var buf bytes.Buffer
	var seq uint64
	chunkStart := time.Now()
	base := j.startedAt.UTC().Format("20060102T150405Z")

	for {
		b, err := j.pair.Video.Next(j.ctx)
		if err != nil {
			j.flush(&buf, "video", seq, fmt.Sprintf("%s/%s_video_%05d.h264", j.deviceID, base, seq))
			return
		}
		if j.recorder.detector.IsKeyFrame(b) && buf.Len() > 0 && time.Since(chunkStart) >= j.recorder.chunkDuration {
			j.flush(&buf, "video", seq, fmt.Sprintf("%s/%s_video_%05d.h264", j.deviceID, base, seq))
			seq++
			chunkStart = time.Now()
		}
		buf.Write(b)
	}
}

// drainAudio pulls audio buffers and rotates chunks on the chunk duration
func (j *job) drainAudio() {
	// finish is owned by the video loop; audio just follows the outlet.
	var buf bytes.Buffer
	var seq uint64
	chunkStart := time.Now()
	base := j.startedAt.UTC().Format("20060102T150405Z")

	for {
		b, err := j.pair.Audio.Next(j.ctx)
		if err != nil {
			j.flush(&buf, "audio", seq, fmt.Sprintf("%s/%s_audio_%05d.aac", j.deviceID, base, seq))
			return
		}
		if buf.Len() > 0 && time.Since(chunkStart) >= j.recorder.chunkDuration {
			j.flush(&buf, "audio", seq, fmt.Sprintf("%s/%s_audio_%05d.aac", j.deviceID, base, seq))
			seq++
			chunkStart = time.Now()
		}
		buf.Write(b)
	}
}

// flush writes the accumulated chunk and resets the buffer
func (j *job) flush(buf *bytes.Buffer, kind string, seq uint64, path string) {
	if buf.Len() == 0 {
		return
	}
	data := buf.Bytes()
	if err := j.recorder.storage.Write(path, data); err != nil {
		j.recorder.logger.Warnf("failed to write chunk %s: %v", path, err)
		buf.Reset()
		return
	}

	j.mu.Lock()
	j.chunks++
	j.bytes += uint64(len(data))
	j.written = append(j.written, models.Chunk{
		DeviceID:    j.deviceID,
		Kind:        kind,
		SequenceNum: seq,
		FilePath:    path,
		FileSize:    int64(len(data)),
		CreatedAt:   time.Now(),
	})
	j.mu.Unlock()

	j.recorder.metrics.ChunksWritten.Inc()
	j.recorder.metrics.ChunkSize.Observe(float64(len(data)))
	buf.Reset()
}
