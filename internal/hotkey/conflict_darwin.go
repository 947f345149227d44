//go:build darwin

package hotkey

import (
	"strings"

	"golang.design/x/hotkey"
)

// ConflictInfo represents information about a known shortcut conflict
type ConflictInfo struct {
	Name        string
	Description string
	Modifiers   []hotkey.Modifier
	Key         hotkey.Key
}

// knownConflicts lists macOS shortcuts that swallow key events before a
// global hotkey sees them
var knownConflicts = []ConflictInfo{
	{
		Name:        "Spotlight",
		Description: "macOS Spotlight search",
		Modifiers:   []hotkey.Modifier{hotkey.ModCmd},
		Key:         hotkey.KeySpace,
	},
	{
		Name:        "Input Source",
		Description: "Switch to the previous input source",
		Modifiers:   []hotkey.Modifier{hotkey.ModCtrl},
		Key:         hotkey.KeySpace,
	},
	{
		Name:        "Character Viewer",
		Description: "Emoji & Symbols palette",
		Modifiers:   []hotkey.Modifier{hotkey.ModCtrl, hotkey.ModCmd},
		Key:         hotkey.KeySpace,
	},
	{
		Name:        "Finder Search",
		Description: "Spotlight search in a Finder window",
		Modifiers:   []hotkey.Modifier{hotkey.ModCmd, hotkey.ModOption},
		Key:         hotkey.KeySpace,
	},
	{
		Name:        "Force Quit",
		Description: "macOS Force Quit",
		Modifiers:   []hotkey.Modifier{hotkey.ModCmd, hotkey.ModOption},
		Key:         hotkey.KeyEscape,
	},
}

// CheckConflicts returns the known system shortcuts the given hotkey would
// collide with
func CheckConflicts(modifiers []hotkey.Modifier, key hotkey.Key) []ConflictInfo {
	var conflicts []ConflictInfo
	for _, known := range knownConflicts {
		if hotkeyMatches(modifiers, key, known.Modifiers, known.Key) {
			conflicts = append(conflicts, known)
		}
	}
	return conflicts
}

// hotkeyMatches checks if two combinations are identical, ignoring modifier order
func hotkeyMatches(mods1 []hotkey.Modifier, key1 hotkey.Key, mods2 []hotkey.Modifier, key2 hotkey.Key) bool {
	if key1 != key2 {
		return false
	}

	set1 := make(map[hotkey.Modifier]bool, len(mods1))
	for _, mod := range mods1 {
		set1[mod] = true
	}
	set2 := make(map[hotkey.Modifier]bool, len(mods2))
	for _, mod := range mods2 {
		set2[mod] = true
	}
	if len(set1) != len(set2) {
		return false
	}
	for mod := range set1 {
		if !set2[mod] {
			return false
		}
	}
	return true
}

// FormatHotkey returns a human-readable string representation of the hotkey
func FormatHotkey(modifiers []hotkey.Modifier, key hotkey.Key) string {
	var b strings.Builder
	for _, mod := range modifiers {
		switch mod {
		case hotkey.ModCtrl:
			b.WriteString("⌃")
		case hotkey.ModShift:
			b.WriteString("⇧")
		case hotkey.ModOption:
			b.WriteString("⌥")
		case hotkey.ModCmd:
			b.WriteString("⌘")
		}
	}
	b.WriteString(keyName(key))
	return b.String()
}

// keyName is the inverse of ParseKey
func keyName(key hotkey.Key) string {
	for name, k := range namedKeys {
		if k == key {
			if name == "Escape" {
				return "Esc"
			}
			return name
		}
	}
	for i, k := range letterKeys {
		if k == key {
			return string(rune('A' + i))
		}
	}
	for i, k := range digitKeys {
		if k == key {
			return string(rune('0' + i))
		}
	}
	return "Unknown"
}
