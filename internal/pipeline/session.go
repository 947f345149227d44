// Package pipeline wires capture, segmentation and delivery into a session.
//
// A session runs three goroutines connected by bounded FIFO channels:
//
//	source -> assembler -> packets -> engine -> segments -> sink
//
// Capture stops when the continuation predicate turns false. The engine then
// drains every packet already captured and emits the final segment before the
// session returns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/capture"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/logger"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/loudness"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/observe"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/segment"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/sink"
	"golang.org/x/sync/errgroup"
)

// Config holds session parameters
type Config struct {
	Format           audio.Format
	SecondsPerPacket float64
	PacketQueue      int
	SegmentQueue     int
	Estimator        loudness.Kind
	Segmentation     segment.Config
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		Format:           audio.DefaultFormat(),
		SecondsPerPacket: 1.0,
		PacketQueue:      256,
		SegmentQueue:     32,
		Estimator:        loudness.KindRMS,
		Segmentation:     segment.DefaultConfig(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	var errs []error
	if err := c.Format.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SecondsPerPacket <= 0 {
		errs = append(errs, fmt.Errorf("seconds per packet must be positive, got %.3f", c.SecondsPerPacket))
	}
	if c.PacketQueue < 1 || c.SegmentQueue < 1 {
		errs = append(errs, fmt.Errorf("queue sizes must be at least 1 (packets %d, segments %d)", c.PacketQueue, c.SegmentQueue))
	}
	if !c.Estimator.IsValid() {
		errs = append(errs, fmt.Errorf("unknown estimator %q", c.Estimator))
	}
	if err := c.Segmentation.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Result summarises a finished session
type Result struct {
	Segments   int
	Bytes      int
	SinkErrors int
	Engine     segment.Stats
	Elapsed    time.Duration
}

// Session runs one capture-to-sink pipeline. A Session may be run more than
// once, but not concurrently.
type Session struct {
	cfg     Config
	sink    sink.Sink
	log     *logger.Logger
	metrics *observe.Metrics
	clock   func() time.Time

	mu    sync.Mutex
	state segment.State
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics sets the metric instruments
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock replaces the clock used for capture deadlines
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.clock = now }
}

// New creates a session delivering to sk
func New(cfg Config, sk sink.Sink, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}
	if sk == nil {
		return nil, errors.New("pipeline: sink is required")
	}
	s := &Session{
		cfg:   cfg,
		sink:  sk,
		log:   logger.NewNop(),
		clock: time.Now,
		state: segment.Done,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the session configuration
func (s *Session) Config() Config {
	return s.cfg
}

// Run captures from src until cont returns false, then flushes and delivers
// the final segment. src is closed before Run returns, on every path.
//
// Sink failures are logged and counted but do not stop capture. A device
// error, an encoding error or ctx cancellation aborts the session;
// segments already delivered are unaffected.
func (s *Session) Run(ctx context.Context, src audio.Source, cont capture.Continue) (Result, error) {
	began := s.clock()
	var res Result

	estimator, err := loudness.New(s.cfg.Estimator)
	if err != nil {
		_ = src.Close()
		return res, fmt.Errorf("pipeline: %w", err)
	}
	asm, err := capture.NewAssembler(s.cfg.Format, s.cfg.SecondsPerPacket,
		capture.WithClock(s.clock), capture.WithLogger(s.log), capture.WithMetrics(s.metrics))
	if err != nil {
		_ = src.Close()
		return res, fmt.Errorf("pipeline: %w", err)
	}
	engine, err := segment.New(s.cfg.Segmentation, s.cfg.Format, estimator,
		segment.WithLogger(s.log), segment.WithMetrics(s.metrics), segment.WithStateObserver(s.setState))
	if err != nil {
		_ = src.Close()
		return res, fmt.Errorf("pipeline: %w", err)
	}

	s.metrics.SessionStarted(ctx)
	defer s.metrics.SessionEnded(context.WithoutCancel(ctx))
	s.setState(segment.WarmingUp)
	defer s.setState(segment.Done)

	s.log.Info("Session started: %.2fs packets, estimator %s, queue %d/%d",
		s.cfg.SecondsPerPacket, s.cfg.Estimator, s.cfg.PacketQueue, s.cfg.SegmentQueue)

	packets := make(chan capture.Packet, s.cfg.PacketQueue)
	segments := make(chan segment.Segment, s.cfg.SegmentQueue)
	sinkName := sink.Name(s.sink)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return asm.Run(gctx, src, cont, packets)
	})

	g.Go(func() error {
		defer close(segments)
		return engine.Run(gctx, packets, func(ctx context.Context, seg segment.Segment) error {
			select {
			case segments <- seg:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	g.Go(func() error {
		for seg := range segments {
			if err := s.sink.Consume(gctx, seg); err != nil {
				res.SinkErrors++
				s.metrics.SinkError(gctx, sinkName)
				s.log.Error("Sink %s failed for segment %d: %v", sinkName, seg.Index, err)
				continue
			}
			res.Segments++
			res.Bytes += seg.PCMSize
		}
		return nil
	})

	err = g.Wait()
	res.Engine = engine.Stats()
	res.Elapsed = s.clock().Sub(began)

	if err != nil {
		s.log.Error("Session aborted after %d segments: %v", res.Segments, err)
		return res, fmt.Errorf("pipeline: %w", err)
	}
	s.log.Info("Session finished: %d segments, %d packets, %d skipped, %d sink errors",
		res.Segments, res.Engine.PacketsProcessed, res.Engine.PacketsSkipped, res.SinkErrors)
	return res, nil
}

// State reports the live engine state, or Done when no session is running
func (s *Session) State() segment.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st segment.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
