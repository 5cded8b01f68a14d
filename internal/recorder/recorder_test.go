package recorder

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"camrelay/internal/device"
	"camrelay/internal/metrics"
	"camrelay/internal/storage"
	"camrelay/internal/stream"
)

type fakeSource struct{}

func (fakeSource) RequestStart(deviceID string) error               { return nil }
func (fakeSource) RequestStop(deviceID string) error                { return nil }
func (fakeSource) MaxSessionDuration(deviceID string) time.Duration { return 0 }

type fakeMediaSource struct {
	mu   sync.Mutex
	sink device.MediaSink
}

func (f *fakeMediaSource) Subscribe(sink device.MediaSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *fakeMediaSource) Unsubscribe() {
	f.mu.Lock()
	f.sink = nil
	f.mu.Unlock()
}

func (f *fakeMediaSource) emit(buf []byte) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink.OnData(buf)
	}
}

func newTestSetup(t *testing.T) (*Recorder, *stream.Manager, *fakeMediaSource, *storage.LocalStorage) {
	t.Helper()

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	logger := zap.NewNop().Sugar()
	m := metrics.New(prometheus.NewRegistry())

	registry := stream.NewRegistry(logger)
	mgr := stream.NewManager(stream.DefaultConfig("cam-1"), fakeSource{}, nil, logger, m)
	registry.Add(mgr)

	video := &fakeMediaSource{}
	audio := &fakeMediaSource{}
	mgr.SessionStarted("station-1", "cam-1", device.Metadata{VideoCodec: "h264"}, video, audio)

	// chunk duration zero: rotate on every key frame after the first
	rec := New(store, registry, nil, logger, m, 0)
	return rec, mgr, video, store
}

func TestRecordingWritesKeyFrameAlignedChunks(t *testing.T) {
	rec, _, video, store := newTestSetup(t)

	require.NoError(t, rec.StartRecording(context.Background(), "cam-1"))
	assert.True(t, rec.Info("cam-1").Active)

	key := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xaa}
	delta := []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0xbb}
	key2 := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xcc}

	video.emit(key)
	video.emit(delta)
	video.emit(key2) // closes the first chunk

	require.Eventually(t, func() bool {
		files, err := store.List("cam-1")
		return err == nil && len(files) == 1
	}, 2*time.Second, 10*time.Millisecond)

	files, err := store.List("cam-1")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(files[0], ".h264"))

	data, err := store.Read("cam-1/" + files[0])
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, key...), delta...), data)

	require.NoError(t, rec.StopRecording("cam-1"))

	// the pending chunk (just key2) is flushed on stop
	require.Eventually(t, func() bool {
		files, err := store.List("cam-1")
		return err == nil && len(files) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, rec.Info("cam-1").Active)
}

func TestStartRecordingTwiceRejected(t *testing.T) {
	rec, _, _, _ := newTestSetup(t)

	require.NoError(t, rec.StartRecording(context.Background(), "cam-1"))
	assert.Error(t, rec.StartRecording(context.Background(), "cam-1"))
	require.NoError(t, rec.StopRecording("cam-1"))
}

func TestStartRecordingUnknownDevice(t *testing.T) {
	rec, _, _, _ := newTestSetup(t)
	assert.Error(t, rec.StartRecording(context.Background(), "cam-unknown"))
}

func TestStopRecordingNotActive(t *testing.T) {
	rec, _, _, _ := newTestSetup(t)
	assert.Error(t, rec.StopRecording("cam-1"))
}

func TestRecordingStopsWhenSessionEnds(t *testing.T) {
	rec, mgr, _, _ := newTestSetup(t)

	require.NoError(t, rec.StartRecording(context.Background(), "cam-1"))

	mgr.SessionStopped("station-1", "cam-1")

	require.Eventually(t, func() bool {
		return !rec.Info("cam-1").Active
	}, 2*time.Second, 10*time.Millisecond)
}
