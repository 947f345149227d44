package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-audio/wav"
)

// ReaderSource replays PCM from an io.Reader. With pacing enabled it never
// delivers audio faster than real time, so a recording can stand in for a
// live microphone.
type ReaderSource struct {
	r         io.Reader
	closer    io.Closer
	format    Format
	pace      bool
	now       func() time.Time
	sleep     func(time.Duration)
	start     time.Time
	delivered int64
	exhausted atomic.Bool
}

// ReaderOption configures a ReaderSource
type ReaderOption func(*ReaderSource)

// WithPacing throttles reads to the format's byte rate
func WithPacing() ReaderOption {
	return func(s *ReaderSource) { s.pace = true }
}

// WithClock replaces the wall clock used for pacing
func WithClock(now func() time.Time, sleep func(time.Duration)) ReaderOption {
	return func(s *ReaderSource) {
		s.now = now
		s.sleep = sleep
	}
}

// NewReaderSource wraps r. If r is an io.Closer it is closed by Close.
func NewReaderSource(r io.Reader, format Format, opts ...ReaderOption) *ReaderSource {
	s := &ReaderSource{
		r:      r,
		format: format,
		now:    time.Now,
		sleep:  time.Sleep,
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read implements Source
func (s *ReaderSource) Read(p []byte) (int, error) {
	if s.exhausted.Load() {
		return 0, io.EOF
	}

	if s.pace {
		if s.start.IsZero() {
			s.start = s.now()
		}
		elapsed := s.now().Sub(s.start)
		allowed := int64(elapsed.Seconds()*float64(s.format.BytesPerSecond())) - s.delivered
		frame := int64(s.format.FrameSize())
		allowed -= allowed % frame
		if allowed <= 0 {
			s.sleep(10 * time.Millisecond)
			return 0, nil
		}
		if int64(len(p)) > allowed {
			p = p[:allowed]
		}
	}

	n, err := s.r.Read(p)
	s.delivered += int64(n)
	if errors.Is(err, io.EOF) {
		s.exhausted.Store(true)
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	if err != nil {
		return n, fmt.Errorf("audio: read input: %w", err)
	}
	return n, nil
}

// Exhausted reports whether the underlying reader hit end of stream
func (s *ReaderSource) Exhausted() bool {
	return s.exhausted.Load()
}

// Close closes the underlying reader if it is closable
func (s *ReaderSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// OpenWAVFile opens a WAV file whose format must equal f and returns a
// source positioned at the first PCM byte.
func OpenWAVFile(path string, f Format, opts ...ReaderOption) (*ReaderSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("audio file is not a valid WAV file: %s", path)
	}
	if decoder.WavAudioFormat != 1 {
		file.Close()
		return nil, fmt.Errorf("unsupported WAV encoding %d (only PCM is supported)", decoder.WavAudioFormat)
	}
	if int(decoder.SampleRate) != f.SampleRate || int(decoder.NumChans) != f.Channels || int(decoder.BitDepth) != f.BitsPerSample {
		file.Close()
		return nil, fmt.Errorf("WAV format %d Hz/%d ch/%d bit does not match %d Hz/%d ch/%d bit",
			decoder.SampleRate, decoder.NumChans, decoder.BitDepth,
			f.SampleRate, f.Channels, f.BitsPerSample)
	}
	if err := decoder.FwdToPCM(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to locate PCM data: %w", err)
	}

	pcm := io.LimitReader(decoder.PCMChunk, decoder.PCMLen())
	s := NewReaderSource(pcm, f, opts...)
	s.closer = file
	return s, nil
}
