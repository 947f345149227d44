package config

import (
	"fmt"
	"time"

	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/logger"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/loudness"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/pipeline"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/recording"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/segment"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/sink"
)

// Pipeline returns the session parameters
func (c *Config) Pipeline() pipeline.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return pipeline.Config{
		Format:           audio.DefaultFormat(),
		SecondsPerPacket: c.Audio.SecondsPerPacket,
		PacketQueue:      c.Queues.PacketQueue,
		SegmentQueue:     c.Queues.SegmentQueue,
		Estimator:        loudness.Kind(c.Segmentation.Estimator),
		Segmentation: segment.Config{
			QuietWindowMax: c.Segmentation.QuietWindowMax,
			QuietThreshold: c.Segmentation.QuietThreshold,
			MinSeconds:     c.Segmentation.MinSeconds,
			FlushSeconds:   c.Segmentation.FlushSeconds,
			MaxHistory:     c.Segmentation.MaxHistory,
		},
	}
}

// AudioInput returns the device configuration
func (c *Config) AudioInput() (audio.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	latency, err := audio.ParseLatency(c.Audio.Latency)
	if err != nil {
		return audio.Config{}, err
	}
	return audio.Config{
		DeviceID:        c.Audio.DeviceID,
		Format:          audio.DefaultFormat(),
		Latency:         latency,
		FramesPerBuffer: c.Audio.FramesPerBuffer,
	}, nil
}

// Logger returns the logger configuration with the log directory expanded
func (c *Config) Logger() (logger.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return logger.Config{}, err
	}
	dir, err := ExpandPath(c.Log.Dir)
	if err != nil {
		return logger.Config{}, fmt.Errorf("log dir: %w", err)
	}
	return logger.Config{
		LogDir:        dir,
		Level:         level,
		RetentionDays: c.Log.RetentionDays,
		Console:       c.Log.Console,
	}, nil
}

// Upload returns the HTTP sink configuration, or false if uploads are off
func (c *Config) Upload() (sink.HTTPConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Sink.UploadURL == "" {
		return sink.HTTPConfig{}, false
	}
	hc := sink.HTTPConfig{
		URL:        c.Sink.UploadURL,
		Timeout:    c.Sink.UploadTimeout,
		FieldName:  c.Sink.FieldName,
		MaxRetries: c.Sink.MaxRetries,
	}
	if c.Sink.APIKey != "" {
		hc.Headers = map[string]string{"Authorization": "Bearer " + c.Sink.APIKey}
	}
	return hc, true
}

// Recording returns the recording manager limits
func (c *Config) Recording() recording.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rc := recording.DefaultConfig()
	rc.MaxDuration = time.Duration(c.Hotkey.MaxRecordSeconds) * time.Second
	return rc
}
