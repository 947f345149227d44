//go:build darwin

package main

import (
	"context"
	"fmt"

	"github.com/yok-tottii/EzS2T-Segmenter/internal/api"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/config"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/hotkey"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/mic"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/recording"
	"golang.design/x/hotkey/mainthread"
)

var _ recording.Rearmer = (*hotkey.Manager)(nil)

// runMain runs fn with the main thread available to the hotkey package
func runMain(fn func()) {
	mainthread.Init(fn)
}

func hotkeyChecker() api.HotkeyChecker {
	return func(hc config.HotkeyConfig) ([]string, error) {
		key, err := hotkey.ParseKey(hc.Key)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, c := range hotkey.CheckConflicts(hotkey.Modifiers(hc.Ctrl, hc.Shift, hc.Alt, hc.Cmd), key) {
			names = append(names, c.Name)
		}
		return names, nil
	}
}

// runHotkey records while the configured shortcut is held (or toggled on)
// until stop is closed
func (a *App) runHotkey(ctx context.Context, stop <-chan struct{}) error {
	hc := a.config.Clone().Hotkey
	key, err := hotkey.ParseKey(hc.Key)
	if err != nil {
		return err
	}
	mode, err := hotkey.ParseMode(hc.Mode)
	if err != nil {
		return err
	}
	hkConfig := hotkey.Config{
		Modifiers: hotkey.Modifiers(hc.Ctrl, hc.Shift, hc.Alt, hc.Cmd),
		Key:       key,
		Mode:      mode,
	}
	for _, c := range hotkey.CheckConflicts(hkConfig.Modifiers, hkConfig.Key) {
		a.logger.Warn("Hotkey %s conflicts with %s: %s",
			hotkey.FormatHotkey(hkConfig.Modifiers, hkConfig.Key), c.Name, c.Description)
	}

	hotkeyMgr := hotkey.New()
	if err := hotkeyMgr.Register(hkConfig); err != nil {
		return err
	}
	defer hotkeyMgr.Close()

	audioConfig, err := a.config.AudioInput()
	if err != nil {
		return err
	}
	open := func() (audio.Source, error) {
		src, err := mic.Open(audioConfig, a.logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	rec, err := recording.New(hotkeyMgr, open, a.config.Pipeline(), a.sink, a.config.Recording(),
		recording.WithLogger(a.logger),
		recording.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create recording manager: %w", err)
	}
	a.status.set(rec)
	rec.Start()

	// Segments are already delivered through the sink
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for seg := range rec.Segments() {
			a.logger.Debug("Segment %d published", seg.Index)
		}
	}()

	a.logger.Info("Ready: %s %s to record",
		mode, hotkey.FormatHotkey(hkConfig.Modifiers, hkConfig.Key))

	select {
	case <-stop:
	case <-ctx.Done():
	}
	err = rec.Stop()
	<-drained
	return err
}
