// Package segment cuts a packet stream into utterance-like segments.
//
// The Engine ranks every packet's loudness against the loudness history of
// the current segment and cuts a boundary after a short run of packets that
// rank in the quiet tail, or when the segment reaches its maximum length.
// Because the comparison is relative to the session's own history the
// detector calibrates itself to the room's noise floor and input gain.
package segment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/capture"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/container"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/logger"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/loudness"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/observe"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/percentile"
)

// ErrFinished is returned by Process and Finish after the final flush
var ErrFinished = errors.New("segment: engine already finished")

// Config holds the segmentation thresholds
type Config struct {
	// QuietWindowMax is the number of consecutive quiet packets that force a flush
	QuietWindowMax int
	// QuietThreshold is the percentile below which a packet counts as quiet
	QuietThreshold float64
	// MinSeconds is the warm-up length before any flush is considered
	MinSeconds float64
	// FlushSeconds caps the length of a segment
	FlushSeconds float64
	// MaxHistory bounds the loudness history per segment (0 = unbounded)
	MaxHistory int
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		QuietWindowMax: 3,
		QuietThreshold: 0.25,
		MinSeconds:     1.0,
		FlushSeconds:   60.0,
	}
}

// Validate checks the thresholds for consistency
func (c Config) Validate() error {
	var errs []error
	if c.QuietWindowMax < 1 {
		errs = append(errs, fmt.Errorf("quiet window must be at least 1, got %d", c.QuietWindowMax))
	}
	if c.QuietThreshold <= 0 || c.QuietThreshold > 1 {
		errs = append(errs, fmt.Errorf("quiet threshold %.3f is out of range (0, 1]", c.QuietThreshold))
	}
	if c.MinSeconds < 0 {
		errs = append(errs, fmt.Errorf("min seconds must not be negative, got %.3f", c.MinSeconds))
	}
	if c.FlushSeconds <= 0 || c.FlushSeconds < c.MinSeconds {
		errs = append(errs, fmt.Errorf("flush seconds %.3f must be positive and not below min seconds %.3f", c.FlushSeconds, c.MinSeconds))
	}
	if c.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("max history must not be negative, got %d", c.MaxHistory))
	}
	return errors.Join(errs...)
}

// State is the engine's position in the segmentation cycle
type State int

const (
	// WarmingUp means the segment is shorter than MinSeconds
	WarmingUp State = iota
	// Accumulating means flush decisions are being evaluated
	Accumulating
	// Flushing is held only while a segment is being encoded
	Flushing
	// Done means the final segment has been emitted
	Done
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case WarmingUp:
		return "WarmingUp"
	case Accumulating:
		return "Accumulating"
	case Flushing:
		return "Flushing"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Reason records why a segment was cut
type Reason string

const (
	// ReasonQuiet means a sustained quiet run ended the segment
	ReasonQuiet Reason = "quiet"
	// ReasonMaxDuration means the segment hit FlushSeconds
	ReasonMaxDuration Reason = "max-duration"
	// ReasonFinal means capture stopped
	ReasonFinal Reason = "final"
)

// Segment is one finished, independently playable clip
type Segment struct {
	ID     uuid.UUID
	Index  int
	Reason Reason
	// Start is the capture offset of the first byte in the session
	Start    time.Duration
	Duration time.Duration
	// PCMSize is the payload length; Clip is PCMSize+container.HeaderSize bytes
	PCMSize int
	Clip    []byte
}

// Ranker ranks a value against history, then records it
type Ranker interface {
	Rank(v float64) float64
	Insert(v float64)
	Reset()
}

// Stats summarises an engine's work so far
type Stats struct {
	PacketsProcessed int
	PacketsSkipped   int
	SegmentsEmitted  int
	BytesEmitted     int
}

// Engine is the segmentation state machine. It is not safe for concurrent
// use; a session drives it from a single goroutine.
type Engine struct {
	cfg           Config
	format        audio.Format
	estimator     loudness.Estimator
	estimatorName string
	ranker        Ranker
	log           *logger.Logger
	metrics       *observe.Metrics
	onState       func(State)

	minBufferSize int
	maxBufferSize int

	state    State
	buffer   []byte
	quietRun []float64
	start    time.Duration
	end      time.Duration
	stats    Stats
}

// Option configures an Engine
type Option func(*Engine)

// WithRanker replaces the percentile tracker
func WithRanker(r Ranker) Option {
	return func(e *Engine) { e.ranker = r }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metric instruments
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStateObserver registers fn to be called on every state change, from
// the goroutine driving the engine
func WithStateObserver(fn func(State)) Option {
	return func(e *Engine) { e.onState = fn }
}

// New creates an engine for packets in format, scored by estimator
func New(cfg Config, format audio.Format, estimator loudness.Estimator, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segment: invalid config: %w", err)
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	if estimator == nil {
		return nil, errors.New("segment: estimator is required")
	}

	e := &Engine{
		cfg:           cfg,
		format:        format,
		estimator:     estimator,
		estimatorName: loudness.Name(estimator),
		ranker:        percentile.NewWindowed(cfg.MaxHistory),
		log:           logger.NewNop(),
		minBufferSize: format.BytesFor(cfg.MinSeconds),
		maxBufferSize: format.BytesFor(cfg.FlushSeconds),
		state:         WarmingUp,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// State returns the current state
func (e *Engine) State() State {
	return e.state
}

// Buffered returns the number of PCM bytes in the open segment
func (e *Engine) Buffered() int {
	return len(e.buffer)
}

// QuietRun returns a copy of the current quiet run, oldest first
func (e *Engine) QuietRun() []float64 {
	return slices.Clone(e.quietRun)
}

func (e *Engine) setState(st State) {
	if e.state == st {
		return
	}
	e.state = st
	if e.onState != nil {
		e.onState(st)
	}
}

// Stats returns counters for the engine's lifetime
func (e *Engine) Stats() Stats {
	return e.stats
}

// Process feeds one packet and returns the segment it completed, if any.
//
// A packet whose loudness cannot be computed is skipped without touching the
// open segment. An encoding failure is returned and leaves the open segment
// in place.
func (e *Engine) Process(ctx context.Context, pkt capture.Packet) (*Segment, error) {
	if e.state == Done {
		return nil, ErrFinished
	}

	began := time.Now()
	value, err := e.estimator.Loudness(pkt.Data)
	if err == nil && (math.IsNaN(value) || math.IsInf(value, 0) || value < 0) {
		err = fmt.Errorf("loudness %v is not a finite non-negative number", value)
	}
	if err != nil {
		e.stats.PacketsSkipped++
		e.metrics.PacketSkipped(ctx, e.estimatorName)
		e.log.Warn("Skipping packet %d: %v", pkt.Seq, err)
		return nil, nil
	}
	e.stats.PacketsProcessed++
	e.metrics.PacketProcessed(ctx, e.estimatorName, time.Since(began).Seconds())

	if len(e.buffer) == 0 {
		e.start = pkt.Offset
	}
	e.buffer = append(e.buffer, pkt.Data...)
	e.end = pkt.Offset + e.format.Duration(len(pkt.Data))

	rank := e.ranker.Rank(value)

	if len(e.buffer) < e.minBufferSize {
		e.setState(WarmingUp)
		e.quietRun = append(e.quietRun, rank)
		e.ranker.Insert(value)
		return nil, nil
	}
	e.setState(Accumulating)

	if n := len(e.quietRun); n > e.cfg.QuietWindowMax {
		e.quietRun = e.quietRun[n-e.cfg.QuietWindowMax:]
	}
	// Drop stale loud entries so only a genuine run of quiet packets counts
	for len(e.quietRun) > 0 && slices.Max(e.quietRun) > e.cfg.QuietThreshold {
		e.quietRun = e.quietRun[1:]
	}
	if rank < e.cfg.QuietThreshold {
		e.quietRun = append(e.quietRun, rank)
	} else {
		e.quietRun = e.quietRun[:0]
	}

	switch {
	case len(e.buffer) > e.maxBufferSize:
		return e.flushPtr(ctx, ReasonMaxDuration)
	case len(e.quietRun) >= e.cfg.QuietWindowMax:
		return e.flushPtr(ctx, ReasonQuiet)
	}

	e.ranker.Insert(value)
	return nil, nil
}

func (e *Engine) flushPtr(ctx context.Context, reason Reason) (*Segment, error) {
	seg, err := e.flush(ctx, reason)
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

// Finish flushes whatever remains, even an empty buffer, and moves the
// engine to Done
func (e *Engine) Finish(ctx context.Context) (Segment, error) {
	if e.state == Done {
		return Segment{}, ErrFinished
	}
	seg, err := e.flush(ctx, ReasonFinal)
	if err != nil {
		return Segment{}, err
	}
	e.setState(Done)
	return seg, nil
}

func (e *Engine) flush(ctx context.Context, reason Reason) (Segment, error) {
	prev := e.state
	e.setState(Flushing)

	clip, err := container.Encode(e.buffer, e.format)
	if err != nil {
		e.setState(prev)
		return Segment{}, fmt.Errorf("segment: encode segment %d: %w", e.stats.SegmentsEmitted, err)
	}

	seg := Segment{
		ID:       uuid.New(),
		Index:    e.stats.SegmentsEmitted,
		Reason:   reason,
		Start:    e.start,
		Duration: e.format.Duration(len(e.buffer)),
		PCMSize:  len(e.buffer),
		Clip:     clip,
	}

	e.stats.SegmentsEmitted++
	e.stats.BytesEmitted += seg.PCMSize
	e.metrics.SegmentEmitted(ctx, string(reason), seg.Duration.Seconds())
	e.log.Info("Segment %d flushed (%s): %.2fs at %.2fs", seg.Index, reason, seg.Duration.Seconds(), seg.Start.Seconds())

	e.buffer = make([]byte, 0, len(e.buffer))
	e.quietRun = nil
	e.ranker.Reset()
	e.start = e.end
	e.setState(WarmingUp)
	return seg, nil
}

// Run processes packets from in until it is closed, then emits the final
// segment. Segments are passed to emit in the order their boundaries were
// decided; an emit error stops the engine.
func (e *Engine) Run(ctx context.Context, in <-chan capture.Packet, emit func(context.Context, Segment) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-in:
			if !ok {
				seg, err := e.Finish(ctx)
				if err != nil {
					return err
				}
				return emit(ctx, seg)
			}
			seg, err := e.Process(ctx, pkt)
			if err != nil {
				return err
			}
			if seg != nil {
				if err := emit(ctx, *seg); err != nil {
					return err
				}
			}
		}
	}
}
