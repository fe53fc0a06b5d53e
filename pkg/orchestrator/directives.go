package orchestrator

import (
	"errors"
	"os"
	"time"
)

// MaintenanceWindow attaches directive Name to cycles starting within
// [StartHour, EndHour). A window with EndHour <= StartHour wraps midnight.
type MaintenanceWindow struct {
	Name      string
	StartHour int
	EndHour   int
}

// Active reports whether t's hour falls in the window.
func (w MaintenanceWindow) Active(t time.Time) bool {
	h := t.Hour()
	if w.StartHour == w.EndHour {
		return true
	}
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Directives returns the names of the windows active at t, in order.
func Directives(t time.Time, windows []MaintenanceWindow) []string {
	var out []string
	for _, w := range windows {
		if w.Active(t) {
			out = append(out, w.Name)
		}
	}
	return out
}

// killSwitchEngaged reports whether the kill-switch file exists.
func killSwitchEngaged(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
