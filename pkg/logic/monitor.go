package logic

import (
	"fmt"
	"strings"
)

// MonitorState is the operating mode of a Shinobi monitor.
type MonitorState string

const (
	MonitorDisabled  MonitorState = "stop"
	MonitorWatching  MonitorState = "start"
	MonitorRecording MonitorState = "record"
)

var monitorStates = []MonitorState{MonitorDisabled, MonitorWatching, MonitorRecording}

// Valid reports whether s is one of the three modes Shinobi accepts.
func (s MonitorState) Valid() bool {
	for _, st := range monitorStates {
		if s == st {
			return true
		}
	}
	return false
}

// Name returns the symbolic name used in logs and the CLI.
func (s MonitorState) Name() string {
	switch s {
	case MonitorDisabled:
		return "DISABLED"
	case MonitorWatching:
		return "WATCHING"
	case MonitorRecording:
		return "RECORDING"
	default:
		return string(s)
	}
}

// ParseMonitorState accepts either the wire value ("record") or the
// symbolic name ("RECORDING"), case-insensitively.
func ParseMonitorState(v string) (MonitorState, error) {
	lv := strings.ToLower(strings.TrimSpace(v))
	for _, st := range monitorStates {
		if lv == string(st) || lv == strings.ToLower(st.Name()) {
			return st, nil
		}
	}
	return "", &ValidationError{
		Field:  "state",
		Value:  v,
		Reason: fmt.Sprintf("monitor state must be one of %s, %s or %s", MonitorDisabled, MonitorWatching, MonitorRecording),
	}
}

// Monitor is a started monitor as returned by the smonitor listing.
type Monitor struct {
	ID     string `json:"mid"`
	Name   string `json:"name"`
	Mode   string `json:"mode,omitempty"`
	Status string `json:"status,omitempty"`
}

// MonitorStatus is the polled or changed state of a single monitor.
type MonitorStatus struct {
	ID      string `json:"mid"`
	Name    string `json:"name,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"msg,omitempty"`
}

func (s MonitorStatus) IsRecording() bool {
	return s.Status == string(MonitorRecording)
}

// rawMonitor is the loose wire shape. Shinobi has used both "mid" and "id"
// for the monitor identifier.
type rawMonitor struct {
	MID    *string `json:"mid"`
	ID     *string `json:"id"`
	Name   *string `json:"name"`
	Mode   string  `json:"mode"`
	Status string  `json:"status"`
}

func (r rawMonitor) id() (string, bool) {
	if r.MID != nil && *r.MID != "" {
		return *r.MID, true
	}
	if r.ID != nil && *r.ID != "" {
		return *r.ID, true
	}
	return "", false
}

// MonitorNames is a convenience for log fields.
func MonitorNames(monitors []Monitor) []string {
	names := make([]string, 0, len(monitors))
	for _, m := range monitors {
		names = append(names, m.Name)
	}
	return names
}
