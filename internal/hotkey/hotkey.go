// Package hotkey turns a global keyboard shortcut into capture start/stop
// events and a continuation predicate.
package hotkey

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// RecordingMode defines how the hotkey triggers recording
type RecordingMode int

const (
	// PressToHold mode: record while key is held down
	PressToHold RecordingMode = iota
	// Toggle mode: first press starts, second press stops
	Toggle
)

// String returns the config name of the mode
func (m RecordingMode) String() string {
	if m == Toggle {
		return "toggle"
	}
	return "press-to-hold"
}

// ParseMode converts "press-to-hold"/"toggle" into a RecordingMode
func ParseMode(s string) (RecordingMode, error) {
	switch strings.ToLower(s) {
	case "press-to-hold", "":
		return PressToHold, nil
	case "toggle":
		return Toggle, nil
	default:
		return PressToHold, fmt.Errorf("invalid recording mode: %q (must be 'press-to-hold' or 'toggle')", s)
	}
}

// EventType represents the type of hotkey event
type EventType int

const (
	// Pressed indicates capture should start
	Pressed EventType = iota
	// Released indicates capture should stop
	Released
)

// String returns the event name
func (t EventType) String() string {
	if t == Pressed {
		return "pressed"
	}
	return "released"
}

// Event represents a hotkey event
type Event struct {
	Type EventType
}

// Latch remembers whether the shortcut is currently held. Its Held method is
// a side-effect-free continuation predicate, safe to poll from any goroutine.
type Latch struct {
	held atomic.Bool
}

// Apply records an event
func (l *Latch) Apply(ev Event) {
	l.held.Store(ev.Type == Pressed)
}

// Held reports whether the last event was Pressed
func (l *Latch) Held() bool {
	return l.held.Load()
}

// Release clears the latch regardless of the key state
func (l *Latch) Release() {
	l.held.Store(false)
}
