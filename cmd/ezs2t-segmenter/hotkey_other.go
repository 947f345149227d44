//go:build !darwin

package main

import (
	"context"
	"errors"

	"github.com/yok-tottii/EzS2T-Segmenter/internal/api"
)

func runMain(fn func()) {
	fn()
}

// hotkeyChecker is nil so the API reports hotkeys as unsupported
func hotkeyChecker() api.HotkeyChecker {
	return nil
}

func (a *App) runHotkey(context.Context, <-chan struct{}) error {
	return errors.New("global hotkeys are only supported on macOS; use -duration or -input")
}
