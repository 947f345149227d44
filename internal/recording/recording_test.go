package recording

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/hotkey"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/pipeline"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/segment"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/sink"
)

type fakeKeys struct {
	ch     chan hotkey.Event
	rearms atomic.Int32
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{ch: make(chan hotkey.Event, 4)}
}

func (f *fakeKeys) Events() <-chan hotkey.Event { return f.ch }
func (f *fakeKeys) press()                      { f.ch <- hotkey.Event{Type: hotkey.Pressed} }
func (f *fakeKeys) release()                    { f.ch <- hotkey.Event{Type: hotkey.Released} }
func (f *fakeKeys) Rearm()                      { f.rearms.Add(1) }

// liveSilence stands in for a microphone: real-time paced zeros
func liveSilence() (audio.Source, error) {
	data := make([]byte, audio.DefaultFormat().BytesFor(30))
	return audio.NewReaderSource(bytes.NewReader(data), audio.DefaultFormat(), audio.WithPacing()), nil
}

func testPipeline() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.SecondsPerPacket = 0.05
	return cfg
}

func newTestManager(t *testing.T, keys EventSource, open SourceFactory, config Config, downstream sink.Sink) *Manager {
	t.Helper()
	m, err := New(keys, open, testPipeline(), downstream, config)
	require.NoError(t, err)
	return m
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.GetState() == want },
		5*time.Second, 5*time.Millisecond, "state never became %s (is %s)", want, m.GetState())
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 5*time.Minute, config.MaxDuration)
	assert.Equal(t, 16, config.Buffer)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Idle, "Idle"},
		{Recording, "Recording"},
		{Processing, "Processing"},
		{State(9), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestNew_InvalidPipeline(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.SecondsPerPacket = -1
	_, err := New(newFakeKeys(), liveSilence, cfg, nil, DefaultConfig())
	assert.Error(t, err)
}

func TestPressAndRelease(t *testing.T) {
	keys := newFakeKeys()
	var delivered atomic.Int32
	downstream := sink.Func(func(context.Context, segment.Segment) error {
		delivered.Add(1)
		return nil
	})
	m := newTestManager(t, keys, liveSilence, DefaultConfig(), downstream)
	m.Start()
	defer m.Stop()

	keys.press()
	waitForState(t, m, Recording)

	time.Sleep(150 * time.Millisecond)
	keys.release()
	waitForState(t, m, Idle)

	var segs []segment.Segment
	for len(segs) == 0 || segs[len(segs)-1].Reason != segment.ReasonFinal {
		select {
		case seg := <-m.Segments():
			segs = append(segs, seg)
		case <-time.After(2 * time.Second):
			t.Fatalf("final segment not published, got %d segments", len(segs))
		}
	}

	st := m.Status()
	assert.Equal(t, "Idle", st.State)
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, len(segs), st.Segments)
	assert.Equal(t, int32(len(segs)), delivered.Load())
	require.NotNil(t, st.LastSegment)
	assert.Equal(t, "final", st.LastSegment.Reason)
	assert.Empty(t, st.LastError)
}

func TestMaxDurationAutoStop(t *testing.T) {
	keys := newFakeKeys()
	m := newTestManager(t, keys, liveSilence, Config{MaxDuration: 100 * time.Millisecond}, nil)
	m.Start()
	defer m.Stop()

	keys.press()
	waitForState(t, m, Recording)
	// Never released
	waitForState(t, m, Idle)
	assert.Positive(t, keys.rearms.Load(), "toggle state must be reset after auto-stop")

	select {
	case seg := <-m.Segments():
		assert.Equal(t, 0, seg.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("no segment after auto-stop")
	}
}

func TestOpenFailureStaysIdle(t *testing.T) {
	keys := newFakeKeys()
	failing := func() (audio.Source, error) {
		return nil, fmt.Errorf("%w: no microphone", audio.ErrDeviceOpen)
	}
	m := newTestManager(t, keys, failing, DefaultConfig(), nil)

	err := m.StartRecording()
	assert.ErrorIs(t, err, audio.ErrDeviceOpen)
	assert.Equal(t, Idle, m.GetState())
	assert.Contains(t, m.Status().LastError, "no microphone")
	require.NoError(t, m.Stop())
}

func TestSecondPressWhileRecordingIsRejected(t *testing.T) {
	var opened atomic.Int32
	open := func() (audio.Source, error) {
		opened.Add(1)
		return liveSilence()
	}
	m := newTestManager(t, newFakeKeys(), open, DefaultConfig(), nil)
	defer m.Stop()

	require.NoError(t, m.StartRecording())
	assert.Error(t, m.StartRecording())
	assert.Equal(t, int32(1), opened.Load())

	require.NoError(t, m.StopRecording())
	assert.Error(t, m.StopRecording(), "already stopping")
	waitForState(t, m, Idle)
}

func TestStopFlushesActiveSession(t *testing.T) {
	m := newTestManager(t, newFakeKeys(), liveSilence, DefaultConfig(), nil)
	m.Start()

	require.NoError(t, m.StartRecording())
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())

	var segs []segment.Segment
	for seg := range m.Segments() {
		segs = append(segs, seg)
	}
	require.NotEmpty(t, segs)
	assert.Equal(t, segment.ReasonFinal, segs[len(segs)-1].Reason)

	assert.ErrorIs(t, m.StartRecording(), ErrStopped)
}

func TestClosedEventSourceEndsLoop(t *testing.T) {
	keys := newFakeKeys()
	m := newTestManager(t, keys, liveSilence, DefaultConfig(), nil)
	m.Start()
	close(keys.ch)

	done := make(chan struct{})
	go func() {
		_ = m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked after the event source closed")
	}
}
