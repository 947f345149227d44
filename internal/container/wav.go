// Package container wraps raw PCM in a canonical RIFF/WAVE file.
package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-audio/wav"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
)

// HeaderSize is the length of the canonical PCM WAV header
const HeaderSize = 44

const pcmFormatTag = 1

var (
	// ErrMisaligned is returned when the payload is not a whole number of frames
	ErrMisaligned = errors.New("container: PCM length is not a multiple of the frame size")
	// ErrTooLarge is returned when the payload exceeds the 32-bit RIFF size field
	ErrTooLarge = errors.New("container: PCM payload too large for WAV")
)

// header is the on-disk layout of a 44-byte PCM WAV header
type header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // payload length
}

func newHeader(dataSize int, f audio.Format) header {
	blockAlign := f.FrameSize()
	return header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   pcmFormatTag,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataSize),
	}
}

func check(pcm []byte, f audio.Format) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("container: %w", err)
	}
	if len(pcm)%f.FrameSize() != 0 {
		return fmt.Errorf("%w: %d bytes, frame size %d", ErrMisaligned, len(pcm), f.FrameSize())
	}
	if int64(len(pcm)) > math.MaxUint32-36 {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(pcm))
	}
	return nil
}

// WriteTo writes a WAV header followed by pcm to w
func WriteTo(w io.Writer, pcm []byte, f audio.Format) error {
	if err := check(pcm, f); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, newHeader(len(pcm), f)); err != nil {
		return fmt.Errorf("container: write header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("container: write PCM data: %w", err)
	}
	return nil
}

// Encode returns pcm wrapped in a WAV container. An empty payload produces a
// valid header-only file.
func Encode(pcm []byte, f audio.Format) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(pcm)))
	if err := WriteTo(buf, pcm, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Info describes a decoded clip
type Info struct {
	Format   audio.Format
	DataSize int
	Duration time.Duration
}

// Inspect parses a WAV clip with a standard decoder and reports its format
// and duration
func Inspect(clip []byte) (Info, error) {
	d := wav.NewDecoder(bytes.NewReader(clip))
	if !d.IsValidFile() {
		return Info{}, errors.New("container: not a valid WAV file")
	}
	if err := d.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("container: locate PCM data: %w", err)
	}
	f := audio.Format{
		SampleRate:    int(d.SampleRate),
		BitsPerSample: int(d.BitDepth),
		Channels:      int(d.NumChans),
	}
	size := int(d.PCMLen())
	return Info{
		Format:   f,
		DataSize: size,
		Duration: f.Duration(size),
	}, nil
}

// PCM returns the payload of a clip produced by Encode
func PCM(clip []byte) ([]byte, error) {
	if len(clip) < HeaderSize {
		return nil, fmt.Errorf("container: clip too short: %d bytes", len(clip))
	}
	size := binary.LittleEndian.Uint32(clip[40:44])
	if int(size) > len(clip)-HeaderSize {
		return nil, fmt.Errorf("container: data size %d exceeds clip", size)
	}
	return clip[HeaderSize : HeaderSize+int(size)], nil
}
