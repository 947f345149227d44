package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrDeviceOpen is returned when the input device cannot be opened at the
// requested format. It is fatal for a session and never retried.
var ErrDeviceOpen = errors.New("audio: cannot open input device")

// Format describes raw PCM audio. Only signed, little-endian, uncompressed
// samples are supported.
type Format struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// DefaultFormat returns the capture format used throughout the pipeline
// Sample rate: 16kHz (Whisper recommended)
// Bits: 16 (signed, little-endian)
// Channels: 1 (mono)
func DefaultFormat() Format {
	return Format{
		SampleRate:    16000,
		BitsPerSample: 16,
		Channels:      1,
	}
}

// FrameSize returns the number of bytes per frame (one sample per channel)
func (f Format) FrameSize() int {
	return f.Channels * f.BitsPerSample / 8
}

// BytesPerSecond returns the byte rate of the format
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// BytesFor returns the number of bytes holding the given number of seconds,
// rounded to a whole number of frames
func (f Format) BytesFor(seconds float64) int {
	frames := int(math.Round(float64(f.SampleRate) * seconds))
	return frames * f.FrameSize()
}

// PacketLength returns the fixed packet size for secondsPerPacket
func (f Format) PacketLength(secondsPerPacket float64) int {
	return f.BytesFor(secondsPerPacket)
}

// Duration returns the playback time of n bytes of PCM in this format
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Validate checks that the format can be captured and encoded
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bits per sample: %d (only 16 is supported)", f.BitsPerSample)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	}
	return nil
}

// Device represents an audio input device
type Device struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// LatencyMode defines the latency priority
type LatencyMode int

const (
	// LowLatency prioritizes low latency (real-time)
	LowLatency LatencyMode = iota
	// HighStability prioritizes stability (larger buffer)
	HighStability
)

// String returns the config name of the latency mode
func (m LatencyMode) String() string {
	if m == LowLatency {
		return "low"
	}
	return "high"
}

// ParseLatency converts "low"/"high" into a LatencyMode
func ParseLatency(s string) (LatencyMode, error) {
	switch s {
	case "low":
		return LowLatency, nil
	case "high", "":
		return HighStability, nil
	default:
		return HighStability, fmt.Errorf("invalid latency mode: %q", s)
	}
}

// Config holds audio input configuration
type Config struct {
	DeviceID        int
	Format          Format
	Latency         LatencyMode
	FramesPerBuffer int
}

// DefaultConfig returns the default audio configuration
func DefaultConfig() Config {
	return Config{
		DeviceID:        -1, // -1 means use default device
		Format:          DefaultFormat(),
		Latency:         HighStability,
		FramesPerBuffer: 1024,
	}
}

// Source is a live PCM byte stream. Read blocks until some bytes are
// available and returns how many were written into p; it returns io.EOF at
// end of stream. A Source owns its device and must be closed exactly once.
type Source interface {
	Read(p []byte) (int, error)
	Close() error
}
