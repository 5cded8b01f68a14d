package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"camrelay/internal/device"
	"camrelay/internal/metrics"
	"camrelay/pkg/models"
)

// fakeSource counts upstream commands and signals start requests so tests can
// answer them with SessionStarted.
type fakeSource struct {
	mu      sync.Mutex
	starts  int
	stops   int
	maxDur  time.Duration
	started chan struct{}
}

func newFakeSource(maxDur time.Duration) *fakeSource {
	return &fakeSource{maxDur: maxDur, started: make(chan struct{}, 16)}
}

func (f *fakeSource) RequestStart(deviceID string) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	f.started <- struct{}{}
	return nil
}

func (f *fakeSource) RequestStop(deviceID string) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) MaxSessionDuration(deviceID string) time.Duration {
	return f.maxDur
}

func (f *fakeSource) startCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeSource) stopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// fakeMediaSource feeds buffers and failures into whatever sink is subscribed
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

func (f *fakeMediaSource) fail(err error) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink.OnError(err)
	}
}

func (f *fakeMediaSource) end() {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink.OnEnd()
	}
}

var (
	keyBuf    = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88}
	keyBuf2   = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x99}
	deltaBuf  = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9a}
	deltaBuf2 = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9b}
	audioBuf  = []byte{0xaf, 0x01, 0x21}
)

func newTestManager(t *testing.T, cfg Config, src device.Source) *Manager {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return NewManager(cfg, src, nil, zap.NewNop().Sugar(), m)
}

func startSession(m *Manager) (*fakeMediaSource, *fakeMediaSource) {
	video := &fakeMediaSource{}
	audio := &fakeMediaSource{}
	m.SessionStarted("station-1", m.DeviceID(), device.Metadata{
		VideoCodec: "h264",
		AudioCodec: "aac",
		Width:      1920,
		Height:     1080,
	}, video, audio)
	return video, audio
}

func TestAttachDedupesUpstreamStart(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)

	const attaches = 5
	var wg sync.WaitGroup
	errs := make(chan error, attaches)
	for i := 0; i < attaches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Attach(context.Background())
			errs <- err
		}()
	}

	<-src.started
	time.Sleep(20 * time.Millisecond) // let the rest queue as waiters
	startSession(m)

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.startCalls())
	assert.Equal(t, attaches, m.Info().Consumers)
}

func TestAttachTimesOutWithoutUpstream(t *testing.T) {
	src := newFakeSource(0)
	cfg := DefaultConfig("cam-1")
	cfg.ConnectTimeout = 50 * time.Millisecond
	m := newTestManager(t, cfg, src)

	_, err := m.Attach(context.Background())
	assert.ErrorIs(t, err, ErrConnectionTimeout)
	assert.Equal(t, models.SessionStateIdle, m.State())
}

func TestAttachContextCancelled(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.Attach(ctx)
		errc <- err
	}()

	<-src.started
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled attach never returned")
	}
}

func TestAttachActiveSessionImmediate(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	startSession(m)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, 0, src.startCalls())
	assert.Equal(t, models.SessionStateActive, m.State())
}

func TestAttachSeedsKeyFrameCache(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	video, _ := startSession(m)

	video.emit(keyBuf)
	video.emit(deltaBuf)
	video.emit(deltaBuf2)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, pair.Video.QueueLen())

	ctx := context.Background()
	for _, want := range [][]byte{keyBuf, deltaBuf, deltaBuf2} {
		buf, err := pair.Video.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, buf)
	}
}

func TestCacheResetsOnNewKeyFrame(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	video, _ := startSession(m)

	video.emit(keyBuf)
	video.emit(deltaBuf)
	video.emit(keyBuf2)
	video.emit(deltaBuf2)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, pair.Video.QueueLen())

	buf, err := pair.Video.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keyBuf2, buf)
}

func TestNoCacheBeforeFirstKeyFrame(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	video, _ := startSession(m)

	video.emit(deltaBuf)
	video.emit(deltaBuf2)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pair.Video.QueueLen())
}

func TestCachingDisabledNoSeed(t *testing.T) {
	src := newFakeSource(0)
	cfg := DefaultConfig("cam-1")
	cfg.CachingEnabled = false
	m := newTestManager(t, cfg, src)
	video, _ := startSession(m)

	video.emit(keyBuf)
	video.emit(deltaBuf)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pair.Video.QueueLen())

	// the snapshot still tracks the latest key frame
	frame, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, keyBuf, frame)
}

func TestFanOutReachesAllConsumers(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	video, audio := startSession(m)

	ctx := context.Background()
	a, err := m.Attach(ctx)
	require.NoError(t, err)
	b, err := m.Attach(ctx)
	require.NoError(t, err)

	video.emit(keyBuf)
	audio.emit(audioBuf)

	for _, pair := range []*OutletPair{a, b} {
		buf, err := pair.Video.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, keyBuf, buf)

		buf, err = pair.Audio.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, audioBuf, buf)
	}
}

func TestLastDetachStopsWhenBudgetNearlySpent(t *testing.T) {
	src := newFakeSource(100 * time.Second)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	startSession(m)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)

	// 15s of the 100s budget left: under the 20s floor, stop right away
	m.mu.Lock()
	m.session.StartedAt = time.Now().Add(-85 * time.Second)
	m.mu.Unlock()

	require.True(t, m.Detach(pair.ID()))
	assert.Equal(t, 1, src.stopCalls())
}

func TestLastDetachDefersStopWithinBudget(t *testing.T) {
	src := newFakeSource(100 * time.Second)
	cfg := DefaultConfig("cam-1")
	cfg.GracePeriod = time.Hour // keep the timer from firing during the test
	m := newTestManager(t, cfg, src)
	startSession(m)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)

	m.mu.Lock()
	m.session.StartedAt = time.Now().Add(-50 * time.Second)
	m.mu.Unlock()

	require.True(t, m.Detach(pair.ID()))
	assert.Equal(t, 0, src.stopCalls())
	assert.Equal(t, models.SessionStateGrace, m.State())

	// a new attach reuses the kept session without another upstream start
	pair2, err := m.Attach(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pair2)
	assert.Equal(t, 0, src.startCalls())
	assert.Equal(t, models.SessionStateActive, m.State())
}

func TestLastDetachStopsWhenCachingDisabled(t *testing.T) {
	src := newFakeSource(100 * time.Second)
	cfg := DefaultConfig("cam-1")
	cfg.CachingEnabled = false
	m := newTestManager(t, cfg, src)
	startSession(m)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)

	require.True(t, m.Detach(pair.ID()))
	assert.Equal(t, 1, src.stopCalls())
}

func TestGraceExpiryStopsSession(t *testing.T) {
	src := newFakeSource(100 * time.Second)
	cfg := DefaultConfig("cam-1")
	cfg.GracePeriod = 30 * time.Millisecond
	m := newTestManager(t, cfg, src)
	startSession(m)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)
	require.True(t, m.Detach(pair.ID()))
	assert.Equal(t, 0, src.stopCalls())

	require.Eventually(t, func() bool {
		return src.stopCalls() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConsumerIDAllocation(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	startSession(m)
	ctx := context.Background()

	a, err := m.Attach(ctx)
	require.NoError(t, err)
	b, err := m.Attach(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, a.ID())
	assert.Equal(t, 1, b.ID())

	// a freed identifier is not reused until the counter wraps around
	m.Detach(a.ID())
	c, err := m.Attach(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.ID())

	m.mu.Lock()
	m.nextConsumerID = consumerIDSpace - 1
	m.mu.Unlock()

	d, err := m.Attach(ctx)
	require.NoError(t, err)
	assert.Equal(t, consumerIDSpace-1, d.ID())

	e, err := m.Attach(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, e.ID())
}

func TestConsumerIDUniqueAcrossWraparound(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	startSession(m)
	ctx := context.Background()

	held, err := m.Attach(ctx)
	require.NoError(t, err)

	for i := 0; i < consumerIDSpace+100; i++ {
		p, err := m.Attach(ctx)
		require.NoError(t, err)
		require.NotEqual(t, held.ID(), p.ID())
		m.Detach(p.ID())
	}
}

func TestConsumerIDSkipsAttached(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	startSession(m)
	ctx := context.Background()

	a, err := m.Attach(ctx)
	require.NoError(t, err)

	m.mu.Lock()
	m.nextConsumerID = a.ID() // force a collision with the attached consumer
	m.mu.Unlock()

	b, err := m.Attach(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSourceErrorTearsDownEverything(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	video, _ := startSession(m)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)

	video.fail(errors.New("camera went away"))

	assert.True(t, pair.Video.Closed())
	assert.True(t, pair.Audio.Closed())
	assert.Equal(t, 1, src.stopCalls())
	assert.Equal(t, models.SessionStateIdle, m.State())

	// a fresh attach requests a brand new session
	errc := make(chan error, 1)
	go func() {
		_, err := m.Attach(context.Background())
		errc <- err
	}()
	<-src.started
	startSession(m)
	require.NoError(t, <-errc)
	assert.Equal(t, 1, src.startCalls())
}

func TestSourceEndTearsDownEverything(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	_, audio := startSession(m)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)

	audio.end()

	assert.True(t, pair.Video.Closed())
	assert.Equal(t, 1, src.stopCalls())
	assert.Equal(t, models.SessionStateIdle, m.State())
}

func TestSessionStoppedTearsDownOutlets(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	startSession(m)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)

	m.SessionStopped("station-1", "cam-1")

	assert.True(t, pair.Video.Closed())
	assert.True(t, pair.Audio.Closed())
	assert.Equal(t, models.SessionStateIdle, m.State())
}

func TestDuplicateSessionStartReinitializes(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	video1, _ := startSession(m)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)

	video1.emit(keyBuf)

	video2, _ := startSession(m)
	assert.True(t, pair.Video.Closed())

	// the superseded source no longer reaches anyone; the new one starts clean
	pair2, err := m.Attach(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pair2.Video.QueueLen())

	video2.emit(keyBuf2)
	buf, err := pair2.Video.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keyBuf2, buf)
}

func TestInactivityDetachesConsumer(t *testing.T) {
	src := newFakeSource(0)
	cfg := DefaultConfig("cam-1")
	cfg.InactivityTimeout = 40 * time.Millisecond
	m := newTestManager(t, cfg, src)
	startSession(m)

	pair, err := m.Attach(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pair.Video.Closed()
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return m.Info().Consumers == 0 && src.stopCalls() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSnapshot(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)

	_, err := m.Snapshot()
	assert.ErrorIs(t, err, ErrNoSession)

	video, _ := startSession(m)
	_, err = m.Snapshot()
	assert.Error(t, err) // no key frame yet

	video.emit(deltaBuf)
	_, err = m.Snapshot()
	assert.Error(t, err)

	video.emit(keyBuf)
	frame, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, keyBuf, frame)
}

func TestInfo(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)

	info := m.Info()
	assert.Equal(t, "cam-1", info.DeviceID)
	assert.Equal(t, models.SessionStateIdle, info.State)

	video, audio := startSession(m)
	pair, err := m.Attach(context.Background())
	require.NoError(t, err)

	video.emit(keyBuf)
	video.emit(deltaBuf)
	audio.emit(audioBuf)

	info = m.Info()
	assert.Equal(t, models.SessionStateActive, info.State)
	assert.Equal(t, "station-1", info.Station)
	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, "aac", info.AudioCodec)
	assert.Equal(t, "1920x1080", info.Resolution)
	assert.Equal(t, uint64(2), info.Stats.VideoFrames)
	assert.Equal(t, uint64(1), info.Stats.AudioFrames)
	assert.Equal(t, uint64(1), info.Stats.KeyFrames)
	assert.Equal(t, 2, info.Stats.CachedBuffers)
	require.Len(t, info.Attached, 1)
	assert.Equal(t, pair.ID(), info.Attached[0].ID)
}

func TestStopSessionRequestsUpstreamStop(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)
	startSession(m)

	m.StopSession()
	assert.Equal(t, 1, src.stopCalls())
	// local teardown waits for the SessionStopped notification
	assert.Equal(t, models.SessionStateActive, m.State())
}

func TestSessionStartedForOtherDeviceIgnored(t *testing.T) {
	src := newFakeSource(0)
	m := newTestManager(t, DefaultConfig("cam-1"), src)

	video := &fakeMediaSource{}
	audio := &fakeMediaSource{}
	m.SessionStarted("station-1", "cam-other", device.Metadata{}, video, audio)
	assert.Equal(t, models.SessionStateIdle, m.State())
}
