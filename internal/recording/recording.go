// Package recording drives capture sessions from hotkey events.
package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/hotkey"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/logger"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/observe"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/pipeline"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/segment"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/sink"
)

// ErrStopped is returned when the manager has been stopped
var ErrStopped = errors.New("recording: manager stopped")

// State represents the current recording state
type State int

const (
	// Idle means not recording
	Idle State = iota
	// Recording means the device is open and packets are being captured
	Recording
	// Processing means capture has stopped and the last segments are being
	// flushed and delivered
	Processing
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Recording:
		return "Recording"
	case Processing:
		return "Processing"
	default:
		return "Unknown"
	}
}

// EventSource supplies start/stop events, typically a hotkey.Manager
type EventSource interface {
	Events() <-chan hotkey.Event
}

// Rearmer is implemented by event sources that remember toggle state. Rearm
// is called whenever capture stops without a release event.
type Rearmer interface {
	Rearm()
}

// SourceFactory opens a fresh audio source for each session
type SourceFactory func() (audio.Source, error)

// Config holds configuration for the recording manager
type Config struct {
	// MaxDuration stops capture automatically; 0 disables the limit
	MaxDuration time.Duration
	// Buffer is the capacity of the Segments channel
	Buffer int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		MaxDuration: 5 * time.Minute,
		Buffer:      16,
	}
}

// SegmentInfo describes an emitted segment without its audio
type SegmentInfo struct {
	Index    int     `json:"index"`
	ID       string  `json:"id"`
	Reason   string  `json:"reason"`
	Start    float64 `json:"start_seconds"`
	Duration float64 `json:"duration_seconds"`
}

// Status is a snapshot of the manager
type Status struct {
	State       string       `json:"state"`
	Sessions    int          `json:"sessions"`
	Segments    int          `json:"segments"`
	SinkErrors  int          `json:"sink_errors"`
	LastSegment *SegmentInfo `json:"last_segment,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

// Manager manages the recording lifecycle and coordinates between hotkey and
// the capture pipeline
type Manager struct {
	state       State
	events      EventSource
	open        SourceFactory
	session     *pipeline.Session
	log         *logger.Logger
	maxDuration time.Duration
	latch       hotkey.Latch
	rearm       func()
	segChan     chan segment.Segment
	stopTimer   *time.Timer
	ctx         context.Context
	cancel      context.CancelFunc
	stopped     bool
	mu          sync.Mutex
	stopChan    chan struct{}
	wg          sync.WaitGroup

	sessions    int
	segments    int
	sinkErrors  int
	lastSegment *SegmentInfo
	lastErr     error
}

// Option configures a Manager
type Option func(*options)

type options struct {
	log     *logger.Logger
	metrics *observe.Metrics
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics sets the metric instruments passed to every session
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a recording manager. Every segment goes to downstream (which
// may be nil) and is also published on Segments.
func New(events EventSource, open SourceFactory, pcfg pipeline.Config, downstream sink.Sink, config Config, opts ...Option) (*Manager, error) {
	o := options{log: logger.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if config.Buffer <= 0 {
		config.Buffer = DefaultConfig().Buffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		state:       Idle,
		events:      events,
		open:        open,
		log:         o.log,
		maxDuration: config.MaxDuration,
		segChan:     make(chan segment.Segment, config.Buffer),
		ctx:         ctx,
		cancel:      cancel,
		stopChan:    make(chan struct{}),
	}

	m.rearm = func() {}
	if r, ok := events.(Rearmer); ok {
		m.rearm = r.Rearm
	}

	var sk sink.Sink = sink.Func(m.publish)
	if downstream != nil {
		sk = sink.Multi{downstream, sk}
	}
	session, err := pipeline.New(pcfg, sk, pipeline.WithLogger(o.log), pipeline.WithMetrics(o.metrics))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("recording: %w", err)
	}
	m.session = session
	return m, nil
}

// Start begins monitoring hotkey events and managing recording
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.handleHotkeyEvents()
}

// handleHotkeyEvents monitors hotkey events and triggers recording start/stop
func (m *Manager) handleHotkeyEvents() {
	defer m.wg.Done()

	events := m.events.Events()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}

			switch event.Type {
			case hotkey.Pressed:
				if err := m.StartRecording(); err != nil {
					m.log.Warn("Failed to start recording: %v", err)
				}
			case hotkey.Released:
				if err := m.StopRecording(); err != nil {
					m.log.Debug("Ignoring release: %v", err)
				}
			}

		case <-m.stopChan:
			return
		}
	}
}

// StartRecording opens the source and starts a capture session
func (m *Manager) StartRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.state != Idle {
		return fmt.Errorf("already recording or processing (current state: %s)", m.state)
	}

	src, err := m.open()
	if err != nil {
		m.lastErr = err
		return fmt.Errorf("failed to open audio source: %w", err)
	}

	m.state = Recording
	m.sessions++
	m.latch.Apply(hotkey.Event{Type: hotkey.Pressed})

	if m.maxDuration > 0 {
		gen := m.sessions
		m.stopTimer = time.AfterFunc(m.maxDuration, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			// The timer may fire after its own session already ended
			if gen != m.sessions || m.state != Recording {
				return
			}
			m.log.Info("Maximum recording time (%s) reached, stopping", m.maxDuration)
			m.stopLocked()
		})
	}

	m.wg.Add(1)
	go m.runSession(src)

	m.log.Info("Recording started (session %d)", m.sessions)
	return nil
}

func (m *Manager) runSession(src audio.Source) {
	defer m.wg.Done()

	res, err := m.session.Run(m.ctx, src, m.latch.Held)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopTimer != nil {
		m.stopTimer.Stop()
		m.stopTimer = nil
	}
	m.latch.Release()
	m.rearm()
	m.sinkErrors += res.SinkErrors
	m.lastErr = err
	m.state = Idle

	if err != nil {
		m.log.Error("Recording session failed: %v", err)
		return
	}
	m.log.Info("Recording finished: %d segments in %.1fs", res.Segments, res.Elapsed.Seconds())
}

// StopRecording turns the continuation predicate false. The session keeps
// running until every captured packet has been segmented and delivered.
func (m *Manager) StopRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Recording {
		return fmt.Errorf("not recording (current state: %s)", m.state)
	}
	m.stopLocked()
	return nil
}

func (m *Manager) stopLocked() {
	if m.stopTimer != nil {
		m.stopTimer.Stop()
		m.stopTimer = nil
	}
	m.latch.Release()
	m.rearm()
	m.state = Processing
}

// publish forwards a segment to Segments without blocking capture
func (m *Manager) publish(_ context.Context, seg segment.Segment) error {
	m.mu.Lock()
	m.segments++
	m.lastSegment = &SegmentInfo{
		Index:    seg.Index,
		ID:       seg.ID.String(),
		Reason:   string(seg.Reason),
		Start:    seg.Start.Seconds(),
		Duration: seg.Duration.Seconds(),
	}
	m.mu.Unlock()

	select {
	case m.segChan <- seg:
	default:
		m.log.Warn("Segment channel full, segment %d not published", seg.Index)
	}
	return nil
}

// Segments returns the channel of emitted segments. It is closed by Stop.
func (m *Manager) Segments() <-chan segment.Segment {
	return m.segChan
}

// GetState returns the current recording state
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot for status reporting
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:      m.state.String(),
		Sessions:   m.sessions,
		Segments:   m.segments,
		SinkErrors: m.sinkErrors,
	}
	if m.lastSegment != nil {
		info := *m.lastSegment
		st.LastSegment = &info
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Stop ends capture, waits for the last segments to be delivered and
// releases resources. Stop may be called more than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	active := m.state != Idle
	if m.state == Recording {
		m.stopLocked()
	}
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	m.cancel()
	close(m.segChan)

	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		return m.lastErr
	}
	return nil
}
