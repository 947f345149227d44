package audio

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Format.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", config.Format.SampleRate)
	}

	if config.Format.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", config.Format.Channels)
	}

	if config.Latency != HighStability {
		t.Errorf("Expected HighStability latency, got %v", config.Latency)
	}

	if config.DeviceID != -1 {
		t.Errorf("Expected default device ID -1, got %d", config.DeviceID)
	}
}

func TestFormat_Sizes(t *testing.T) {
	f := DefaultFormat()

	assert.Equal(t, 2, f.FrameSize())
	assert.Equal(t, 32000, f.BytesPerSecond())
	assert.Equal(t, 3200, f.PacketLength(0.1))
	assert.Equal(t, 32000, f.PacketLength(1.0))
	assert.Equal(t, 1920000, f.BytesFor(60))
	assert.Equal(t, time.Second, f.Duration(32000))
	assert.Equal(t, 100*time.Millisecond, f.Duration(3200))
	assert.Zero(t, f.PacketLength(1.0)%f.FrameSize())
}

func TestFormat_Validate(t *testing.T) {
	assert.NoError(t, DefaultFormat().Validate())
	assert.Error(t, Format{SampleRate: 0, BitsPerSample: 16, Channels: 1}.Validate())
	assert.Error(t, Format{SampleRate: 16000, BitsPerSample: 24, Channels: 1}.Validate())
	assert.Error(t, Format{SampleRate: 16000, BitsPerSample: 16, Channels: 0}.Validate())
}

func TestParseLatency(t *testing.T) {
	m, err := ParseLatency("low")
	require.NoError(t, err)
	assert.Equal(t, LowLatency, m)
	assert.Equal(t, "low", m.String())

	m, err = ParseLatency("")
	require.NoError(t, err)
	assert.Equal(t, HighStability, m)

	_, err = ParseLatency("fast")
	assert.Error(t, err)
}

func TestReaderSource_ReadsUntilEOF(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2}, 100)
	src := NewReaderSource(bytes.NewReader(data), DefaultFormat())

	var got []byte
	buf := make([]byte, 64)
	for {
		n, err := src.Read(buf)
		got = append(got, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}

	assert.Equal(t, data, got)
	assert.True(t, src.Exhausted())

	n, err := src.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, src.Close())
}

func TestReaderSource_Pacing(t *testing.T) {
	f := DefaultFormat()
	data := make([]byte, f.BytesPerSecond())

	now := time.Unix(0, 0)
	var slept time.Duration
	src := NewReaderSource(bytes.NewReader(data), f, WithPacing(), WithClock(
		func() time.Time { return now },
		func(d time.Duration) { slept += d },
	))

	buf := make([]byte, len(data))

	// No time has elapsed yet, so nothing is released
	n, err := src.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Positive(t, slept)

	// A quarter second releases a quarter of the byte rate
	now = now.Add(250 * time.Millisecond)
	n, err = src.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, f.BytesPerSecond()/4, n)
	assert.Zero(t, n%f.FrameSize())
}

func writeTestWAV(t *testing.T, path string, sampleRate, channels int, samples []int) {
	t.Helper()
	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()

	enc := wav.NewEncoder(out, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
}

func TestOpenWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.wav")
	samples := []int{0, 1, -1, 32767, -32768, 1000}
	writeTestWAV(t, path, 16000, 1, samples)

	src, err := OpenWAVFile(path, DefaultFormat())
	require.NoError(t, err)
	defer src.Close()

	pcm, err := io.ReadAll(readerFunc(src.Read))
	require.NoError(t, err)

	want := appendSamples(nil, []int16{0, 1, -1, 32767, -32768, 1000})
	assert.Equal(t, want, pcm)
}

func TestOpenWAVFile_FormatMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	writeTestWAV(t, path, 44100, 2, []int{0, 0, 1, 1})

	_, err := OpenWAVFile(path, DefaultFormat())
	assert.Error(t, err)
}

func TestOpenWAVFile_Missing(t *testing.T) {
	_, err := OpenWAVFile(filepath.Join(t.TempDir(), "nope.wav"), DefaultFormat())
	assert.Error(t, err)
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// appendSamples encodes int16 samples as little-endian bytes
func appendSamples(dst []byte, samples []int16) []byte {
	for _, sample := range samples {
		dst = append(dst, byte(sample), byte(sample>>8))
	}
	return dst
}
