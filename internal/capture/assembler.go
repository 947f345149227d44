// Package capture turns an irregular stream of device reads into fixed-length
// PCM packets.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/logger"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/observe"
)

// Continue reports whether capture should keep going. It is polled once per
// packet period and must not have side effects.
type Continue func() bool

// Packet is exactly one packet period of raw PCM. The receiver owns Data.
type Packet struct {
	// Seq is the zero-based capture order within a session
	Seq int
	// Offset is the capture time of the first byte relative to session start
	Offset time.Duration
	Data   []byte
}

// Assembler re-chunks device reads into fixed-length packets
type Assembler struct {
	format       audio.Format
	period       time.Duration
	packetLength int
	now          func() time.Time
	log          *logger.Logger
	metrics      *observe.Metrics
}

// Option configures an Assembler
type Option func(*Assembler)

// WithClock replaces the wall clock used for read deadlines
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(a *Assembler) { a.log = l }
}

// WithMetrics sets the metric instruments
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assembler) { a.metrics = m }
}

// NewAssembler creates an assembler producing secondsPerPacket packets
func NewAssembler(format audio.Format, secondsPerPacket float64, opts ...Option) (*Assembler, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	packetLength := format.PacketLength(secondsPerPacket)
	if packetLength <= 0 {
		return nil, fmt.Errorf("capture: packet duration %.3fs is shorter than one frame", secondsPerPacket)
	}

	a := &Assembler{
		format:       format,
		period:       time.Duration(secondsPerPacket * float64(time.Second)),
		packetLength: packetLength,
		now:          time.Now,
		log:          logger.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// PacketLength returns the size in bytes of every emitted packet
func (a *Assembler) PacketLength() int {
	return a.packetLength
}

// Run reads src until cont returns false or ctx is cancelled, sending packets
// to out in capture order. It closes out and src before returning, on every
// path. Bytes that don't fill a whole packet when capture stops are dropped.
//
// A read that reports io.EOF or a negative count ends the current packet
// period early; any other read error is fatal.
func (a *Assembler) Run(ctx context.Context, src audio.Source, cont Continue, out chan<- Packet) (err error) {
	defer close(out)
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("capture: close source: %w", cerr)
		}
	}()

	staging := newRing(2 * a.packetLength)
	scratch := make([]byte, a.packetLength)
	seq := 0

	emit := func() error {
		for staging.Len() >= a.packetLength {
			pkt := Packet{
				Seq:    seq,
				Offset: a.format.Duration(seq * a.packetLength),
				Data:   staging.Next(a.packetLength),
			}
			select {
			case out <- pkt:
			case <-ctx.Done():
				return ctx.Err()
			}
			seq++
			a.metrics.PacketCaptured(ctx)
		}
		return nil
	}

	for ctx.Err() == nil && cont() {
		deadline := a.now().Add(a.period)

	tick:
		for a.now().Before(deadline) {
			limit := min(len(scratch), staging.Free())
			n, rerr := src.Read(scratch[:limit])

			switch {
			case n < 0:
				a.log.Debug("Negative read (%d), ending tick", n)
				break tick
			case n > 0:
				staging.Write(scratch[:n])
				if err := emit(); err != nil {
					return err
				}
			case rerr == nil:
				a.metrics.ReadAnomaly(ctx)
			}

			if errors.Is(rerr, io.EOF) {
				break tick
			}
			if rerr != nil {
				return fmt.Errorf("capture: read device: %w", rerr)
			}
			if ctx.Err() != nil {
				break tick
			}
		}

		if err := emit(); err != nil {
			return err
		}
	}

	if staging.Len() > 0 {
		a.log.Debug("Dropping %d trailing bytes (less than one packet)", staging.Len())
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
