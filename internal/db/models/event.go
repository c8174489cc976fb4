package models

import (
	"fmt"
	"strings"
	"time"
)

// MachineState is the operating state recorded by a line controller
type MachineState string

const (
	StateRunning     MachineState = "RUNNING"
	StateDowntime    MachineState = "DOWNTIME"
	StateUnscheduled MachineState = "UNSCHEDULED"
	StateChangeover  MachineState = "CHANGEOVER"
	StateUnknown     MachineState = "UNKNOWN"
)

// IsValid reports whether s is one of the known machine states
func (s MachineState) IsValid() bool {
	switch s {
	case StateRunning, StateDowntime, StateUnscheduled, StateChangeover, StateUnknown:
		return true
	}
	return false
}

// ParseMachineState normalizes a state string, case-insensitively
func ParseMachineState(raw string) (MachineState, error) {
	s := MachineState(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown machine state %q", raw)
	}
	return s, nil
}

// HistoricalEvent is one observation of a mill's operating state.
// Optional attributes are pointers so that null survives the round trip to JSON and Postgres.
type HistoricalEvent struct {
	ID          string       `gorm:"type:varchar(64);primaryKey" json:"id"`
	Mill        string       `gorm:"type:varchar(100);not null;index:idx_events_mill_time,priority:1" json:"mill"`
	Factory     *string      `gorm:"type:varchar(100);index:idx_events_factory_time,priority:1" json:"factory"`
	EventTime   time.Time    `gorm:"type:timestamptz;not null;index:idx_events_mill_time,priority:2;index:idx_events_factory_time,priority:2" json:"event_time"`
	State       MachineState `gorm:"type:varchar(20);not null" json:"state"`
	Minutes     *float64     `json:"minutes"`
	Reason      *string      `gorm:"type:varchar(255)" json:"reason"`
	Category    *string      `gorm:"type:varchar(255)" json:"category"`
	SubCategory *string      `gorm:"type:varchar(255)" json:"sub_category"`
	Equipment   *string      `gorm:"type:varchar(255)" json:"equipment"`
	ProductSpec *string      `gorm:"type:varchar(255)" json:"product_spec"`
	Comment     *string      `json:"comment"`
	CreatedAt   time.Time    `json:"-"`
}

// TableName overrides the table name for HistoricalEvent
func (HistoricalEvent) TableName() string {
	return "historical_events"
}

// Validate checks the fields every stored event must carry
func (e *HistoricalEvent) Validate() error {
	if strings.TrimSpace(e.Mill) == "" {
		return fmt.Errorf("event %q: mill is required", e.ID)
	}
	if e.EventTime.IsZero() {
		return fmt.Errorf("event %q: event_time is required", e.ID)
	}
	if !e.State.IsValid() {
		return fmt.Errorf("event %q: unknown state %q", e.ID, e.State)
	}
	if e.Minutes != nil && *e.Minutes < 0 {
		return fmt.Errorf("event %q: minutes must not be negative", e.ID)
	}
	return nil
}

// FactoryValue returns the factory or an empty string
func (e *HistoricalEvent) FactoryValue() string {
	if e.Factory == nil {
		return ""
	}
	return *e.Factory
}

// StringPtr returns a pointer to s, or nil for the empty string
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Float64Ptr returns a pointer to f
func Float64Ptr(f float64) *float64 {
	return &f
}
