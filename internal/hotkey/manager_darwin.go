//go:build darwin

package hotkey

import (
	"fmt"
	"slices"
	"sync"

	"golang.design/x/hotkey"
)

// Config holds hotkey configuration
type Config struct {
	Modifiers []hotkey.Modifier
	Key       hotkey.Key
	Mode      RecordingMode
}

// DefaultConfig returns Ctrl+Option+Space in press-to-hold mode
func DefaultConfig() Config {
	return Config{
		Modifiers: []hotkey.Modifier{hotkey.ModCtrl, hotkey.ModOption},
		Key:       hotkey.KeySpace,
		Mode:      PressToHold,
	}
}

// Manager manages global hotkey registration and events
type Manager struct {
	hk        *hotkey.Hotkey
	config    Config
	latch     Latch
	eventChan chan Event
	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

// New creates a new hotkey manager with the default configuration
func New() *Manager {
	return &Manager{
		config:    DefaultConfig(),
		eventChan: make(chan Event, 10),
		stopChan:  make(chan struct{}),
	}
}

// Register registers the hotkey with the system
func (m *Manager) Register(config Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("hotkey is already running, call Close() first")
	}

	m.config = config

	// Channels may have been closed by a previous Close()
	m.stopChan = make(chan struct{})
	m.eventChan = make(chan Event, 10)
	m.latch.Release()

	hk := hotkey.New(m.config.Modifiers, m.config.Key)
	if err := hk.Register(); err != nil {
		return fmt.Errorf("failed to register hotkey %s: %w", FormatHotkey(config.Modifiers, config.Key), err)
	}

	m.hk = hk
	m.running = true

	m.wg.Add(1)
	go m.listen(hk.Keydown(), hk.Keyup(), m.config.Mode, m.eventChan, m.stopChan)

	return nil
}

// listen converts key transitions into events. The latch is updated before
// the event is published so Held is never behind a delivered event. In
// toggle mode the latch decides whether a press starts or stops, so Rearm
// makes the next press a start.
func (m *Manager) listen(down, up <-chan hotkey.Event, mode RecordingMode, events chan<- Event, stop <-chan struct{}) {
	defer m.wg.Done()

	publish := func(t EventType) bool {
		ev := Event{Type: t}
		m.latch.Apply(ev)
		select {
		case events <- ev:
			return true
		case <-stop:
			return false
		}
	}

	for {
		select {
		case <-down:
			t := Pressed
			if mode == Toggle && m.latch.Held() {
				t = Released
			}
			if !publish(t) {
				return
			}

		case <-up:
			if mode == PressToHold && !publish(Released) {
				return
			}

		case <-stop:
			return
		}
	}
}

// Rearm forgets that capture was requested. Used when capture ends without a
// key press, e.g. on a time limit.
func (m *Manager) Rearm() {
	m.latch.Release()
}

// Events returns the event channel for receiving hotkey events
func (m *Manager) Events() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventChan
}

// Held reports whether capture is currently requested. In toggle mode this
// is true between the first and second press.
func (m *Manager) Held() bool {
	return m.latch.Held()
}

// Close unregisters the hotkey and stops listening
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	var unregisterErr error

	close(m.stopChan)
	m.wg.Wait()

	// Keep cleaning up even if unregistering fails
	if m.hk != nil {
		if err := m.hk.Unregister(); err != nil {
			unregisterErr = fmt.Errorf("failed to unregister hotkey: %w", err)
		}
	}

	// Closing the event channel tells consumers we are shutting down
	close(m.eventChan)
	m.latch.Release()

	// A failed Unregister must not block the next Register
	m.running = false

	return unregisterErr
}

// IsRunning returns whether the hotkey is currently registered and running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetConfig returns the active configuration. Modifiers are copied.
func (m *Manager) GetConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.config
	c.Modifiers = slices.Clone(m.config.Modifiers)
	return c
}
