// Package progress tracks the status of a task's logical units and streams
// their logs.
//
// A Map is keyed by unit name and may be shared with the caller across
// retries of the same task. Opening a unit that already reached a terminal
// status is a no-op, so a retried phase never re-announces a finished unit.
package progress

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is the state of one unit.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// UnitProgress is the recorded state of one unit.
type UnitProgress struct {
	Unit      string    `json:"unit"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// Map holds unit progress in first-opened order. It is safe for concurrent use.
type Map struct {
	mu    sync.Mutex
	units map[string]*UnitProgress
	order []string
	now   func() time.Time
}

// NewMap returns an empty progress map.
func NewMap() *Map {
	return &Map{units: make(map[string]*UnitProgress), now: time.Now}
}

func (m *Map) init() {
	if m.units == nil {
		m.units = make(map[string]*UnitProgress)
	}
	if m.now == nil {
		m.now = time.Now
	}
}

// Open marks unit running. It returns false, changing nothing, when the unit
// already reached a terminal status. Opening a running unit is allowed.
func (m *Map) Open(unit string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	if up, ok := m.units[unit]; ok {
		return !up.Status.Terminal()
	}
	m.units[unit] = &UnitProgress{Unit: unit, Status: StatusRunning, StartedAt: m.now()}
	m.order = append(m.order, unit)
	return true
}

// Close sets a terminal status on a running unit. Closing an unknown or
// already closed unit returns false.
func (m *Map) Close(unit string, status Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	up, ok := m.units[unit]
	if !ok || up.Status.Terminal() {
		return false
	}
	up.Status = status
	up.EndedAt = m.now()
	return true
}

// Status returns the status of unit.
func (m *Map) Status(unit string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	up, ok := m.units[unit]
	if !ok {
		return "", false
	}
	return up.Status, true
}

// Get returns a copy of unit's progress.
func (m *Map) Get(unit string) (UnitProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	up, ok := m.units[unit]
	if !ok {
		return UnitProgress{}, false
	}
	return *up, true
}

// Running returns the units still open, in opening order.
func (m *Map) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open []string
	for _, name := range m.order {
		if m.units[name].Status == StatusRunning {
			open = append(open, name)
		}
	}
	return open
}

// Snapshot returns a copy of every unit in opening order.
func (m *Map) Snapshot() []UnitProgress {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]UnitProgress, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, *m.units[name])
	}
	return out
}

// MarshalJSON encodes the map as an ordered list.
func (m *Map) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// UnmarshalJSON restores a map from its list form.
func (m *Map) UnmarshalJSON(data []byte) error {
	var list []UnitProgress
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = make(map[string]*UnitProgress, len(list))
	m.order = m.order[:0]
	m.now = time.Now
	for i := range list {
		up := list[i]
		if _, dup := m.units[up.Unit]; dup {
			continue
		}
		m.units[up.Unit] = &up
		m.order = append(m.order, up.Unit)
	}
	return nil
}
