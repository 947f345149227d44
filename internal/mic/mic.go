// Package mic reads the microphone through PortAudio. It is the only package
// that links libportaudio.
package mic

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/logger"
)

// Stream implements audio.Source with a blocking PortAudio input stream.
// It holds the input device exclusively until Close.
type Stream struct {
	config  audio.Config
	stream  *portaudio.Stream
	buffer  []int16
	pending []byte
	log     *logger.Logger
	mu      sync.Mutex
	closed  bool
}

// ListDevices returns the available audio input devices
func ListDevices() ([]audio.Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	defaultInput, err := portaudio.DefaultInputDevice()
	if err != nil {
		// Continue without marking any device as default
		defaultInput = nil
	}

	var result []audio.Device
	for i, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		result = append(result, audio.Device{
			ID:        i,
			Name:      dev.Name,
			IsDefault: defaultInput != nil && dev.Name == defaultInput.Name,
		})
	}

	return result, nil
}

// Open opens and starts the configured input device. Any failure is wrapped
// with audio.ErrDeviceOpen.
func Open(config audio.Config, log *logger.Logger) (*Stream, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if err := config.Format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceOpen, err)
	}
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = audio.DefaultConfig().FramesPerBuffer
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize PortAudio: %v", audio.ErrDeviceOpen, err)
	}

	device, err := selectDevice(config.DeviceID)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceOpen, err)
	}

	var latency time.Duration
	switch config.Latency {
	case audio.LowLatency:
		latency = device.DefaultLowInputLatency
	default:
		latency = device.DefaultHighInputLatency
	}

	s := &Stream{
		config: config,
		buffer: make([]int16, config.FramesPerBuffer*config.Format.Channels),
		log:    log,
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: config.Format.Channels,
			Latency:  latency,
		},
		SampleRate:      float64(config.Format.SampleRate),
		FramesPerBuffer: config.FramesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, s.buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: open stream on %q: %v", audio.ErrDeviceOpen, device.Name, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start stream on %q: %v", audio.ErrDeviceOpen, device.Name, err)
	}

	s.stream = stream
	log.Info("Opened input device %q at %d Hz, %d channel(s)", device.Name, config.Format.SampleRate, config.Format.Channels)
	return s, nil
}

func selectDevice(id int) (*portaudio.DeviceInfo, error) {
	var device *portaudio.DeviceInfo

	if id == -1 {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		device = d
	} else {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("failed to list devices: %w", err)
		}
		if id < 0 || id >= len(devices) {
			return nil, fmt.Errorf("invalid device ID: %d", id)
		}
		device = devices[id]
	}

	if device.MaxInputChannels <= 0 {
		return nil, fmt.Errorf("selected device '%s' (ID: %d) has no input channels (output-only device)", device.Name, id)
	}
	return device, nil
}

// Read blocks for one PortAudio buffer and copies as many bytes as fit into
// p. Bytes that don't fit are returned by the next call without blocking.
// An input overflow is reported as an empty read.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.New("mic: read on closed stream")
	}

	if len(s.pending) == 0 {
		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				s.log.Warn("Input overflowed, dropping buffer")
				return 0, nil
			}
			return 0, fmt.Errorf("mic: read stream: %w", err)
		}
		s.pending = appendSamples(s.pending[:0], s.buffer)
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// appendSamples encodes int16 samples as little-endian bytes
func appendSamples(dst []byte, samples []int16) []byte {
	for _, sample := range samples {
		dst = append(dst, byte(sample), byte(sample>>8))
	}
	return dst
}

// Close stops the stream and releases the device. Safe to call twice.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop stream: %w", err))
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stream: %w", err))
		}
		s.stream = nil
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("failed to terminate PortAudio: %w", err))
	}
	return errors.Join(errs...)
}
