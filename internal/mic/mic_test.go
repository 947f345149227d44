package mic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
)

func TestAppendSamples(t *testing.T) {
	got := appendSamples(nil, []int16{1, -1, 0x1234})
	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0xff, 0x34, 0x12}, got)
}

func TestOpen(t *testing.T) {
	src, err := Open(audio.DefaultConfig(), nil)
	if err != nil {
		require.ErrorIs(t, err, audio.ErrDeviceOpen)
		t.Skipf("PortAudio input not available: %v", err)
	}

	buf := make([]byte, 4096)
	n, err := src.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n%audio.DefaultFormat().FrameSize(), "whole frames only")

	assert.NoError(t, src.Close())
	assert.NoError(t, src.Close(), "second Close is a no-op")

	_, err = src.Read(buf)
	assert.Error(t, err)
}

func TestOpen_InvalidDevice(t *testing.T) {
	config := audio.DefaultConfig()
	config.DeviceID = 1 << 20

	_, err := Open(config, nil)
	assert.ErrorIs(t, err, audio.ErrDeviceOpen)
}

func TestOpen_InvalidFormat(t *testing.T) {
	config := audio.DefaultConfig()
	config.Format.BitsPerSample = 8

	_, err := Open(config, nil)
	assert.ErrorIs(t, err, audio.ErrDeviceOpen)
}

func TestListDevices(t *testing.T) {
	devices, err := ListDevices()
	if err != nil {
		t.Skipf("PortAudio not available: %v", err)
	}
	for _, dev := range devices {
		t.Logf("Device %d: %s (default: %v)", dev.ID, dev.Name, dev.IsDefault)
	}
}
