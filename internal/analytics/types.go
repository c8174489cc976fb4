// Package analytics mines downtime patterns out of machine-state event logs.
//
// Both analyzers are pure: they take a slice of events in any order, sort a private copy,
// and return a freshly allocated result. They hold no state between calls and are safe to
// run concurrently.
package analytics

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/millpulse/backend/internal/db/models"
)

// ErrInvalidOptions is wrapped by every options validation failure
var ErrInvalidOptions = errors.New("invalid analysis options")

const (
	// DefaultThresholdMinutes is the running time under which a restart counts as failed
	DefaultThresholdMinutes = 20.0
	// DefaultTopN is the row and column count of the transition matrix
	DefaultTopN = 12
	// TopReasonLimit caps the ranked reason lists of a recurrence result
	TopReasonLimit = 15
	// UnknownReason labels a null reason in recurrence counts
	UnknownReason = "Unknown"
)

// Grouping is the categorical attribute used to label transition nodes
type Grouping string

const (
	// GroupByReason labels nodes with the downtime reason
	GroupByReason Grouping = "reason"
	// GroupByCategory labels nodes with the downtime category
	GroupByCategory Grouping = "category"
	// GroupByEquipment labels nodes with the equipment that stopped
	GroupByEquipment Grouping = "equipment"
)

// ParseGrouping validates a grouping name; the empty string means reason
func ParseGrouping(raw string) (Grouping, error) {
	switch g := Grouping(raw); g {
	case "":
		return GroupByReason, nil
	case GroupByReason, GroupByCategory, GroupByEquipment:
		return g, nil
	default:
		return "", fmt.Errorf("%w: grouping must be one of reason, category, equipment, got %q", ErrInvalidOptions, raw)
	}
}

// Placeholder is the node label used when the grouped attribute is null
func (g Grouping) Placeholder() string {
	switch g {
	case GroupByCategory:
		return "(No Category)"
	case GroupByEquipment:
		return "(No Equipment)"
	default:
		return "(No Reason)"
	}
}

// Value extracts the grouped attribute of an event, or the placeholder
func (g Grouping) Value(e *models.HistoricalEvent) string {
	var v *string
	switch g {
	case GroupByCategory:
		v = e.Category
	case GroupByEquipment:
		v = e.Equipment
	default:
		v = e.Reason
	}
	return labelOr(v, g.Placeholder())
}

// Scope decides whether transitions are detected on one pooled stream or per mill
type Scope string

const (
	// ScopePooled sorts all mills together by time; triples may span mills
	ScopePooled Scope = "pooled"
	// ScopePerMill detects triples inside each mill's own sequence only
	ScopePerMill Scope = "per_mill"
)

// ParseScope validates a scope name; the empty string means pooled
func ParseScope(raw string) (Scope, error) {
	switch s := Scope(raw); s {
	case "":
		return ScopePooled, nil
	case ScopePooled, ScopePerMill:
		return s, nil
	default:
		return "", fmt.Errorf("%w: scope must be pooled or per_mill, got %q", ErrInvalidOptions, raw)
	}
}

// PrecedingReasonPolicy picks which event of a multi-event downtime episode supplies the
// preceding reason of a rapid recurrence
type PrecedingReasonPolicy string

const (
	// PrecedingReasonEpisodeStart uses the first DOWNTIME event of the episode
	PrecedingReasonEpisodeStart PrecedingReasonPolicy = "episode_start"
	// PrecedingReasonAdjacent uses the DOWNTIME event right before the restart
	PrecedingReasonAdjacent PrecedingReasonPolicy = "adjacent"
)

// ParsePrecedingReasonPolicy validates a policy name; the empty string means episode_start
func ParsePrecedingReasonPolicy(raw string) (PrecedingReasonPolicy, error) {
	switch p := PrecedingReasonPolicy(raw); p {
	case "":
		return PrecedingReasonEpisodeStart, nil
	case PrecedingReasonEpisodeStart, PrecedingReasonAdjacent:
		return p, nil
	default:
		return "", fmt.Errorf("%w: precedingReason must be episode_start or adjacent, got %q", ErrInvalidOptions, raw)
	}
}

// RecurrenceOptions configures DetectRapidRecurrences
type RecurrenceOptions struct {
	ThresholdMinutes float64
	PrecedingReason  PrecedingReasonPolicy
}

// DefaultRecurrenceOptions returns a 20 minute threshold with episode-start reasons
func DefaultRecurrenceOptions() RecurrenceOptions {
	return RecurrenceOptions{
		ThresholdMinutes: DefaultThresholdMinutes,
		PrecedingReason:  PrecedingReasonEpisodeStart,
	}
}

// Validate rejects thresholds that are not positive finite numbers
func (o RecurrenceOptions) Validate() error {
	if math.IsNaN(o.ThresholdMinutes) || math.IsInf(o.ThresholdMinutes, 0) || o.ThresholdMinutes <= 0 {
		return fmt.Errorf("%w: thresholdMinutes must be a positive number, got %v", ErrInvalidOptions, o.ThresholdMinutes)
	}
	if _, err := ParsePrecedingReasonPolicy(string(o.PrecedingReason)); err != nil {
		return err
	}
	return nil
}

// RapidRecurrenceEvent is one restart that failed again within the threshold
type RapidRecurrenceEvent struct {
	Mill    string  `json:"mill"`
	Factory *string `json:"factory"`

	RestartEventID string    `json:"restart_event_id"`
	RestartTime    time.Time `json:"restart_time"`
	RestartReason  *string   `json:"restart_reason"`

	StopEventID          string    `json:"subsequent_stop_event_id"`
	StopTime             time.Time `json:"subsequent_stop_time"`
	SubsequentStopReason *string   `json:"subsequent_stop_reason"`

	RunDurationMinutes float64 `json:"run_duration_minutes"`
	Equipment          *string `json:"equipment"`
	ProductSpec        *string `json:"product_spec"`

	PrecedingDowntimeMinutes  float64  `json:"preceding_downtime_duration_minutes"`
	PrecedingDowntimeReason   *string  `json:"preceding_downtime_reason"`
	SubsequentDowntimeMinutes *float64 `json:"subsequent_downtime_duration_minutes"`

	// unrounded run duration, used for averages
	runMinutes float64
}

// RecurrenceSummary aggregates a recurrence result
type RecurrenceSummary struct {
	TotalEvents             int     `json:"total_events"`
	AvgRunDurationMinutes   float64 `json:"avg_run_duration_minutes"`
	MostCommonRestartReason *string `json:"most_common_restart_reason"`
	MostCommonStopReason    *string `json:"most_common_stop_reason"`
}

// MonthlyCount is the number of rapid recurrences restarting in one calendar month
type MonthlyCount struct {
	Month string `json:"month"`
	Count int    `json:"count"`
}

// ReasonCount is one entry of a ranked reason list
type ReasonCount struct {
	Reason      string `json:"reason"`
	Occurrences int    `json:"occurrences"`
}

// ReasonPairCount counts a preceding reason followed by a subsequent stop reason
type ReasonPairCount struct {
	PrecedingReason  string `json:"preceding_reason"`
	SubsequentReason string `json:"subsequent_reason"`
	Occurrences      int    `json:"occurrences"`
}

// RecurrenceResult is the full output of DetectRapidRecurrences
type RecurrenceResult struct {
	Events              []RapidRecurrenceEvent `json:"events"`
	Summary             RecurrenceSummary      `json:"summary"`
	MonthlyTrend        []MonthlyCount         `json:"monthlyTrend"`
	TopPrecedingReasons []ReasonCount          `json:"topPrecedingReasons"`
	TopReasonPairs      []ReasonPairCount      `json:"topReasonPairs"`
	Truncated           bool                   `json:"truncated"`
	EventLimit          int                    `json:"eventLimit,omitempty"`
}

// TransitionOptions configures AnalyzeTransitions
type TransitionOptions struct {
	Grouping  Grouping
	TopN      int
	FromValue string
	ToValue   string
	Scope     Scope
}

// DefaultTransitionOptions groups by reason over the pooled stream with a 12x12 matrix
func DefaultTransitionOptions() TransitionOptions {
	return TransitionOptions{
		Grouping: GroupByReason,
		TopN:     DefaultTopN,
		Scope:    ScopePooled,
	}
}

// withDefaults fills unset fields and validates the rest
func (o TransitionOptions) withDefaults() (TransitionOptions, error) {
	var err error
	if o.Grouping, err = ParseGrouping(string(o.Grouping)); err != nil {
		return o, err
	}
	if o.Scope, err = ParseScope(string(o.Scope)); err != nil {
		return o, err
	}
	if o.TopN == 0 {
		o.TopN = DefaultTopN
	}
	if o.TopN < 0 {
		return o, fmt.Errorf("%w: topN must be at least 1, got %d", ErrInvalidOptions, o.TopN)
	}
	return o, nil
}

// DowntimeTransition is a directed edge between two grouped values
type DowntimeTransition struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// TransitionEventPair is the concrete event pair behind one transition occurrence
type TransitionEventPair struct {
	From            string                 `json:"from"`
	To              string                 `json:"to"`
	PrecedingEvent  models.HistoricalEvent `json:"preceding_event"`
	SubsequentEvent models.HistoricalEvent `json:"subsequent_event"`
	RunningMinutes  float64                `json:"running_minutes"`
}

// TransitionMatrix is a dense count matrix; Data[i][j] counts Rows[i] -> Cols[j]
type TransitionMatrix struct {
	Rows []string `json:"rows"`
	Cols []string `json:"cols"`
	Data [][]int  `json:"data"`
}

// TransitionResult is the full output of AnalyzeTransitions
type TransitionResult struct {
	Transitions      []DowntimeTransition  `json:"transitions"`
	EventPairs       []TransitionEventPair `json:"eventPairs"`
	TotalTransitions int                   `json:"totalTransitions"`
	Matrix           TransitionMatrix      `json:"matrix"`
	Truncated        bool                  `json:"truncated"`
	EventLimit       int                   `json:"eventLimit,omitempty"`
}
