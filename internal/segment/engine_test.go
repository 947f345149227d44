package segment

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/capture"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/container"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/logger"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/loudness"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	loud  = 0.9
	quiet = 0.1
)

// scriptedRanker returns a fixed sequence of percentiles
type scriptedRanker struct {
	ranks    []float64
	calls    int
	inserted []float64
	resets   int
}

func (r *scriptedRanker) Rank(float64) float64 {
	i := r.calls
	r.calls++
	if i >= len(r.ranks) {
		return r.ranks[len(r.ranks)-1]
	}
	return r.ranks[i]
}

func (r *scriptedRanker) Insert(v float64) { r.inserted = append(r.inserted, v) }
func (r *scriptedRanker) Reset()           { r.resets++ }

type estimatorFunc func([]byte) (float64, error)

func (f estimatorFunc) Loudness(p []byte) (float64, error) { return f(p) }

func constant(v float64) loudness.Estimator {
	return estimatorFunc(func([]byte) (float64, error) { return v, nil })
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func concat(parts ...[]float64) []float64 {
	var out []float64
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// tone builds a packet of constant-amplitude samples
func tone(seconds float64, amplitude int16) []byte {
	n := audio.DefaultFormat().BytesFor(seconds)
	b := make([]byte, n)
	for i := 0; i < n; i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(amplitude))
	}
	return b
}

type feeder struct {
	seq    int
	offset time.Duration
}

func (f *feeder) next(data []byte) capture.Packet {
	pkt := capture.Packet{Seq: f.seq, Offset: f.offset, Data: data}
	f.seq++
	f.offset += audio.DefaultFormat().Duration(len(data))
	return pkt
}

func newScripted(t *testing.T, cfg Config, ranks []float64) (*Engine, *scriptedRanker) {
	t.Helper()
	r := &scriptedRanker{ranks: ranks}
	e, err := New(cfg, audio.DefaultFormat(), constant(0.5), WithRanker(r))
	require.NoError(t, err)
	return e, r
}

// feed processes one packet per rank and returns the 1-based packet numbers
// at which segments were emitted
func feed(t *testing.T, e *Engine, n int, seconds float64) ([]int, []Segment) {
	t.Helper()
	var at []int
	var segs []Segment
	f := &feeder{}
	for i := 1; i <= n; i++ {
		seg, err := e.Process(context.Background(), f.next(tone(seconds, 100)))
		require.NoError(t, err)
		if seg != nil {
			at = append(at, i)
			segs = append(segs, *seg)
		}
	}
	return at, segs
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero quiet window", func(c *Config) { c.QuietWindowMax = 0 }, true},
		{"threshold zero", func(c *Config) { c.QuietThreshold = 0 }, true},
		{"threshold above one", func(c *Config) { c.QuietThreshold = 1.5 }, true},
		{"negative min", func(c *Config) { c.MinSeconds = -1 }, true},
		{"flush below min", func(c *Config) { c.MinSeconds = 10; c.FlushSeconds = 5 }, true},
		{"negative history", func(c *Config) { c.MaxHistory = -1 }, true},
		{"no warm-up", func(c *Config) { c.MinSeconds = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(Config{}, audio.DefaultFormat(), loudness.RMS{})
	assert.Error(t, err)

	_, err = New(DefaultConfig(), audio.Format{SampleRate: 16000, BitsPerSample: 24, Channels: 1}, loudness.RMS{})
	assert.Error(t, err)

	_, err = New(DefaultConfig(), audio.DefaultFormat(), nil)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "WarmingUp", WarmingUp.String())
	assert.Equal(t, "Accumulating", Accumulating.String())
	assert.Equal(t, "Flushing", Flushing.String())
	assert.Equal(t, "Done", Done.String())
	assert.Equal(t, "Unknown", State(42).String())
}

func TestProcess_MaxDurationFlush(t *testing.T) {
	e, _ := newScripted(t, DefaultConfig(), []float64{loud})

	at, segs := feed(t, e, 70, 1.0)

	require.Equal(t, []int{61}, at, "loud speech is cut only once it exceeds 60s")
	assert.Equal(t, ReasonMaxDuration, segs[0].Reason)
	assert.Equal(t, 61*time.Second, segs[0].Duration)

	final, err := e.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonFinal, final.Reason)
	assert.Equal(t, 9*time.Second, final.Duration)
	assert.Equal(t, 61*time.Second, final.Start)
}

func TestProcess_QuietRunFlush(t *testing.T) {
	e, r := newScripted(t, DefaultConfig(), concat(repeat(loud, 5), repeat(quiet, 3)))

	at, segs := feed(t, e, 7, 1.0)
	assert.Empty(t, at)
	assert.Equal(t, []float64{quiet, quiet}, e.QuietRun())
	insertedBefore := len(r.inserted)

	seg, err := e.Process(context.Background(), capture.Packet{Seq: 7, Offset: 7 * time.Second, Data: tone(1.0, 100)})
	require.NoError(t, err)
	require.NotNil(t, seg)
	segs = append(segs, *seg)

	assert.Equal(t, ReasonQuiet, segs[0].Reason)
	assert.Equal(t, 8*time.Second, segs[0].Duration)
	assert.Equal(t, time.Duration(0), segs[0].Start)
	assert.Equal(t, 0, segs[0].Index)

	// The flushing packet's loudness is not inserted and history is reset
	assert.Equal(t, insertedBefore, len(r.inserted))
	assert.Equal(t, 1, r.resets)
	assert.Empty(t, e.QuietRun())
	assert.Equal(t, 0, e.Buffered())
	assert.Equal(t, WarmingUp, e.State())
}

func TestProcess_LoudSpikeClearsQuietRun(t *testing.T) {
	e, _ := newScripted(t, DefaultConfig(), []float64{quiet, quiet, loud, quiet, quiet, quiet})
	ctx := context.Background()
	f := &feeder{}

	for i := 0; i < 2; i++ {
		seg, err := e.Process(ctx, f.next(tone(1.0, 100)))
		require.NoError(t, err)
		require.Nil(t, seg)
	}
	seg, err := e.Process(ctx, f.next(tone(1.0, 100)))
	require.NoError(t, err)
	require.Nil(t, seg)
	assert.Empty(t, e.QuietRun(), "a loud packet clears the quiet run")

	for i := 0; i < 2; i++ {
		seg, err := e.Process(ctx, f.next(tone(1.0, 100)))
		require.NoError(t, err)
		require.Nil(t, seg)
	}
	seg, err = e.Process(ctx, f.next(tone(1.0, 100)))
	require.NoError(t, err)
	require.NotNil(t, seg, "third consecutive quiet packet after the spike flushes")
	assert.Equal(t, 6*time.Second, seg.Duration)
}

func TestProcess_WarmUpBoundary(t *testing.T) {
	e, _ := newScripted(t, DefaultConfig(), []float64{0})
	ctx := context.Background()
	f := &feeder{}

	for i := 1; i <= 9; i++ {
		seg, err := e.Process(ctx, f.next(tone(0.1, 100)))
		require.NoError(t, err)
		require.Nil(t, seg, "packet %d is still warming up", i)
		assert.Equal(t, WarmingUp, e.State())
		assert.Len(t, e.QuietRun(), i)
	}

	seg, err := e.Process(ctx, f.next(tone(0.1, 100)))
	require.NoError(t, err)
	require.NotNil(t, seg, "the 10th packet reaches the minimum and sees a quiet run")
	assert.Equal(t, time.Second, seg.Duration)
	assert.Equal(t, ReasonQuiet, seg.Reason)
}

func TestProcess_LoudWarmUpEntriesArePurged(t *testing.T) {
	e, _ := newScripted(t, DefaultConfig(), concat(repeat(loud, 9), repeat(quiet, 3)))

	at, _ := feed(t, e, 12, 0.1)
	// Warm-up ranks are all loud, so three real quiet packets are needed
	assert.Equal(t, []int{12}, at)
}

func TestProcess_QuietRunNeverExceedsWindowAfterWarmUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QuietWindowMax = 4
	r := rand.New(rand.NewSource(7))
	ranks := make([]float64, 400)
	for i := range ranks {
		ranks[i] = r.Float64()
	}
	e, _ := newScripted(t, cfg, ranks)
	f := &feeder{}
	for i := 0; i < len(ranks); i++ {
		_, err := e.Process(context.Background(), f.next(tone(0.1, 100)))
		require.NoError(t, err)
		if e.State() == Accumulating {
			assert.Less(t, len(e.QuietRun()), cfg.QuietWindowMax)
			for _, v := range e.QuietRun() {
				assert.LessOrEqual(t, v, cfg.QuietThreshold)
			}
		}
	}
}

func TestProcess_RealTrackerFindsSilence(t *testing.T) {
	e, err := New(DefaultConfig(), audio.DefaultFormat(), loudness.RMS{})
	require.NoError(t, err)
	ctx := context.Background()
	f := &feeder{}

	for i := 1; i <= 5; i++ {
		seg, err := e.Process(ctx, f.next(tone(1.0, int16(1000*i))))
		require.NoError(t, err)
		require.Nil(t, seg)
	}
	var at int
	for i := 6; i <= 8; i++ {
		seg, err := e.Process(ctx, f.next(tone(1.0, 0)))
		require.NoError(t, err)
		if seg != nil {
			at = i
		}
	}
	assert.Equal(t, 8, at)
}

func TestProcess_ConservesBytes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushSeconds = 5
	e, err := New(cfg, audio.DefaultFormat(), loudness.RMS{})
	require.NoError(t, err)
	ctx := context.Background()

	r := rand.New(rand.NewSource(1))
	var input bytes.Buffer
	var segs []Segment
	f := &feeder{}
	for i := 0; i < 600; i++ {
		amp := int16(0)
		if r.Intn(3) > 0 {
			amp = int16(r.Intn(20000))
		}
		data := tone(0.1, amp)
		input.Write(data)
		seg, err := e.Process(ctx, f.next(data))
		require.NoError(t, err)
		if seg != nil {
			segs = append(segs, *seg)
		}
	}
	final, err := e.Finish(ctx)
	require.NoError(t, err)
	segs = append(segs, final)
	require.Greater(t, len(segs), 2)

	format := audio.DefaultFormat()
	var output bytes.Buffer
	var next time.Duration
	for i, seg := range segs {
		assert.Equal(t, i, seg.Index)
		assert.Equal(t, container.HeaderSize+seg.PCMSize, len(seg.Clip))
		assert.Equal(t, next, seg.Start, "segment %d starts where the previous ended", i)
		next = seg.Start + seg.Duration

		if seg.Reason != ReasonFinal {
			assert.GreaterOrEqual(t, seg.PCMSize, format.BytesFor(cfg.MinSeconds))
			assert.LessOrEqual(t, seg.PCMSize, format.BytesFor(cfg.FlushSeconds)+format.BytesFor(0.1))
		}

		pcm, err := container.PCM(seg.Clip)
		require.NoError(t, err)
		output.Write(pcm)
	}
	assert.Equal(t, input.Bytes(), output.Bytes())

	stats := e.Stats()
	assert.Equal(t, 600, stats.PacketsProcessed)
	assert.Equal(t, len(segs), stats.SegmentsEmitted)
	assert.Equal(t, input.Len(), stats.BytesEmitted)
}

func TestProcess_SkipsPacketWhenEstimatorFails(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	bad := estimatorFunc(func(p []byte) (float64, error) {
		switch p[0] {
		case 0xFF:
			return 0, errors.New("boom")
		case 0xFE:
			return math.NaN(), nil
		}
		return 0.5, nil
	})
	r := &scriptedRanker{ranks: []float64{quiet, loud, quiet, quiet}}
	e, err := New(DefaultConfig(), audio.DefaultFormat(), bad,
		WithRanker(r), WithLogger(logger.NewWithCore(core, logger.DEBUG)))
	require.NoError(t, err)
	ctx := context.Background()
	f := &feeder{}

	good := tone(1.0, 100)
	failing := tone(1.0, 100)
	failing[0] = 0xFF
	nan := tone(1.0, 100)
	nan[0] = 0xFE

	_, err = e.Process(ctx, f.next(good))
	require.NoError(t, err)
	runBefore := e.QuietRun()

	for _, data := range [][]byte{failing, nan} {
		seg, err := e.Process(ctx, f.next(data))
		require.NoError(t, err)
		assert.Nil(t, seg)
	}

	assert.Equal(t, len(good), e.Buffered())
	assert.Equal(t, runBefore, e.QuietRun())
	assert.Equal(t, 1, r.calls, "skipped packets are never ranked")
	assert.Equal(t, 2, e.Stats().PacketsSkipped)
	assert.Equal(t, 2, logs.FilterMessageSnippet("Skipping packet").Len())
}

func TestStateObserver_SeesEveryTransition(t *testing.T) {
	var seen []State
	r := &scriptedRanker{ranks: concat(repeat(loud, 2), repeat(quiet, 3))}
	e, err := New(DefaultConfig(), audio.DefaultFormat(), constant(0.5), WithRanker(r),
		WithStateObserver(func(st State) { seen = append(seen, st) }))
	require.NoError(t, err)

	at, _ := feed(t, e, 1, 0.5)
	assert.Empty(t, at)
	assert.Empty(t, seen, "still warming up")

	_, err = e.Process(context.Background(), capture.Packet{Seq: 1, Data: tone(0.5, 100)})
	require.NoError(t, err)
	assert.Equal(t, []State{Accumulating}, seen, "reported mid-segment")

	for i := 2; i < 5; i++ {
		_, err = e.Process(context.Background(), capture.Packet{Seq: i, Data: tone(0.5, 100)})
		require.NoError(t, err)
	}
	_, err = e.Finish(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []State{Accumulating, Flushing, WarmingUp, Flushing, WarmingUp, Done}, seen)
}

func TestFinish(t *testing.T) {
	e, _ := newScripted(t, DefaultConfig(), []float64{loud})
	ctx := context.Background()

	seg, err := e.Finish(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonFinal, seg.Reason)
	assert.Equal(t, 0, seg.PCMSize)
	assert.Len(t, seg.Clip, container.HeaderSize)
	assert.Equal(t, Done, e.State())

	_, err = e.Process(ctx, capture.Packet{Data: tone(0.1, 1)})
	assert.ErrorIs(t, err, ErrFinished)
	_, err = e.Finish(ctx)
	assert.ErrorIs(t, err, ErrFinished)
}

func TestFinish_EncodeFailureKeepsSegment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSeconds = 0
	e, err := New(cfg, audio.DefaultFormat(), constant(0.5), WithRanker(&scriptedRanker{ranks: []float64{loud}}))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Process(ctx, capture.Packet{Data: []byte{1, 2, 3}})
	require.NoError(t, err)

	_, err = e.Finish(ctx)
	assert.ErrorIs(t, err, container.ErrMisaligned)
	assert.NotEqual(t, Done, e.State())
	assert.Equal(t, 3, e.Buffered())
}

func TestRun_EmitsInOrderAndFlushesOnClose(t *testing.T) {
	e, _ := newScripted(t, DefaultConfig(), concat(repeat(loud, 2), repeat(quiet, 3), repeat(loud, 2)))
	in := make(chan capture.Packet, 16)
	f := &feeder{}
	for i := 0; i < 7; i++ {
		in <- f.next(tone(1.0, 100))
	}
	close(in)

	var got []Segment
	err := e.Run(context.Background(), in, func(_ context.Context, s Segment) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ReasonQuiet, got[0].Reason)
	assert.Equal(t, 5*time.Second, got[0].Duration)
	assert.Equal(t, ReasonFinal, got[1].Reason)
	assert.Equal(t, 2*time.Second, got[1].Duration)
	assert.Equal(t, 1, got[1].Index)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.Equal(t, Done, e.State())
}

func TestRun_EmitErrorStops(t *testing.T) {
	e, _ := newScripted(t, DefaultConfig(), []float64{loud})
	in := make(chan capture.Packet)
	close(in)

	sentinel := errors.New("sink gone")
	err := e.Run(context.Background(), in, func(context.Context, Segment) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestRun_ContextCancelled(t *testing.T) {
	e, _ := newScripted(t, DefaultConfig(), []float64{loud})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Run(ctx, make(chan capture.Packet), func(context.Context, Segment) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
