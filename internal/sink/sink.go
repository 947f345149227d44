// Package sink delivers finished segments to downstream collaborators.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yok-tottii/EzS2T-Segmenter/internal/container"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/logger"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/segment"
)

// ErrClosed is returned by a Channel sink after Close
var ErrClosed = errors.New("sink: closed")

// Sink consumes segments in emission order. Consume is called from a single
// goroutine per session.
type Sink interface {
	Consume(ctx context.Context, seg segment.Segment) error
}

// Name returns a short label for s, used in logs and metrics
func Name(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// Func adapts a function to a Sink
type Func func(ctx context.Context, seg segment.Segment) error

// Consume calls f
func (f Func) Consume(ctx context.Context, seg segment.Segment) error {
	return f(ctx, seg)
}

// Name returns "func"
func (Func) Name() string { return "func" }

// Channel forwards segments to a buffered channel
type Channel struct {
	mu     sync.RWMutex
	ch     chan segment.Segment
	closed bool
}

// NewChannel creates a Channel sink with the given buffer size
func NewChannel(size int) *Channel {
	return &Channel{ch: make(chan segment.Segment, size)}
}

// C returns the receive side
func (c *Channel) C() <-chan segment.Segment {
	return c.ch
}

// Consume blocks until the segment is buffered or ctx is done
func (c *Channel) Consume(ctx context.Context, seg segment.Segment) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.ch <- seg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel. It is safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Name returns "channel"
func (*Channel) Name() string { return "channel" }

// Log writes one line per segment
type Log struct {
	log *logger.Logger
}

// NewLog creates a Log sink
func NewLog(l *logger.Logger) *Log {
	return &Log{log: l}
}

// Consume verifies the clip decodes and logs its metadata
func (s *Log) Consume(_ context.Context, seg segment.Segment) error {
	info, err := container.Inspect(seg.Clip)
	if err != nil {
		return fmt.Errorf("sink: segment %d: %w", seg.Index, err)
	}
	s.log.With(
		"segment_id", seg.ID.String(),
		"reason", string(seg.Reason),
		"bytes", info.DataSize,
	).Info("Segment %d: %.2fs from %.2fs, %d Hz %d-bit",
		seg.Index, info.Duration.Seconds(), seg.Start.Seconds(),
		info.Format.SampleRate, info.Format.BitsPerSample)
	return nil
}

// Name returns "log"
func (*Log) Name() string { return "log" }

// Multi delivers every segment to each sink in order. All sinks are tried
// even if one fails.
type Multi []Sink

// Consume fans seg out and joins the errors
func (m Multi) Consume(ctx context.Context, seg segment.Segment) error {
	var errs []error
	for _, s := range m {
		if err := s.Consume(ctx, seg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", Name(s), err))
		}
	}
	return errors.Join(errs...)
}

// Name returns "multi"
func (Multi) Name() string { return "multi" }
