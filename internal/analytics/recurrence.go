package analytics

import (
	"sort"
	"time"

	"github.com/millpulse/backend/internal/db/models"
)

// DetectRapidRecurrences finds restarts that run for less than opts.ThresholdMinutes before
// the mill stops again.
//
// Events are partitioned by mill and sorted by time. A restart is a RUNNING event directly
// after a DOWNTIME event; only the first RUNNING->DOWNTIME boundary after it is considered.
// The comparison is strict: a run of exactly the threshold is not reported.
func DetectRapidRecurrences(events []models.HistoricalEvent, opts RecurrenceOptions) (*RecurrenceResult, error) {
	if opts.PrecedingReason == "" {
		opts.PrecedingReason = PrecedingReasonEpisodeStart
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	found := make([]RapidRecurrenceEvent, 0)
	mills, partitions := partitionByMill(events)
	for _, mill := range mills {
		found = append(found, scanMill(partitions[mill], opts)...)
	}

	sort.SliceStable(found, func(i, j int) bool {
		a, b := &found[i], &found[j]
		if !a.RestartTime.Equal(b.RestartTime) {
			return a.RestartTime.After(b.RestartTime)
		}
		if a.Mill != b.Mill {
			return a.Mill < b.Mill
		}
		return a.RestartEventID < b.RestartEventID
	})

	return summarizeRecurrences(found), nil
}

// scanMill runs the recurrence scan over one mill's chronologically sorted events
func scanMill(evs []models.HistoricalEvent, opts RecurrenceOptions) []RapidRecurrenceEvent {
	var out []RapidRecurrenceEvent

	for i := 1; i < len(evs); i++ {
		if evs[i].State != models.StateRunning || evs[i-1].State != models.StateDowntime {
			continue
		}
		restart := &evs[i]

		j := nextStop(evs, i+1)
		if j < 0 {
			continue
		}
		stop := &evs[j]

		run := minutesBetween(restart.EventTime, stop.EventTime)
		if run >= opts.ThresholdMinutes {
			continue
		}

		episodeStart := i - 1
		for k := i - 2; k >= 0 && evs[k].State == models.StateDowntime; k-- {
			episodeStart = k
		}
		precedingReason := evs[episodeStart].Reason
		if opts.PrecedingReason == PrecedingReasonAdjacent {
			precedingReason = evs[i-1].Reason
		}

		equipment := stop.Equipment
		if equipment == nil {
			equipment = evs[i-1].Equipment
		}
		productSpec := restart.ProductSpec
		if productSpec == nil {
			productSpec = stop.ProductSpec
		}

		out = append(out, RapidRecurrenceEvent{
			Mill:                      restart.Mill,
			Factory:                   restart.Factory,
			RestartEventID:            restart.ID,
			RestartTime:               restart.EventTime,
			RestartReason:             restart.Reason,
			StopEventID:               stop.ID,
			StopTime:                  stop.EventTime,
			SubsequentStopReason:      stop.Reason,
			RunDurationMinutes:        round1(run),
			Equipment:                 equipment,
			ProductSpec:               productSpec,
			PrecedingDowntimeMinutes:  round1(minutesBetween(evs[episodeStart].EventTime, restart.EventTime)),
			PrecedingDowntimeReason:   precedingReason,
			SubsequentDowntimeMinutes: subsequentDowntime(evs, j),
			runMinutes:                run,
		})
	}
	return out
}

// nextStop returns the index of the first DOWNTIME event at or after from whose
// predecessor is RUNNING, or -1
func nextStop(evs []models.HistoricalEvent, from int) int {
	for j := from; j < len(evs); j++ {
		if evs[j].State == models.StateDowntime && evs[j-1].State == models.StateRunning {
			return j
		}
	}
	return -1
}

// subsequentDowntime measures the downtime that begins at evs[stop]: the time to the next
// RUNNING event, or the stop's own recorded minutes when the mill never runs again
func subsequentDowntime(evs []models.HistoricalEvent, stop int) *float64 {
	for k := stop + 1; k < len(evs); k++ {
		if evs[k].State == models.StateRunning {
			m := round1(minutesBetween(evs[stop].EventTime, evs[k].EventTime))
			return &m
		}
	}
	if evs[stop].Minutes == nil {
		return nil
	}
	m := round1(*evs[stop].Minutes)
	return &m
}

type reasonPair struct {
	preceding  string
	subsequent string
}

// summarizeRecurrences builds the aggregate views from the sorted event list. Every
// ranking breaks ties by first appearance in that list.
func summarizeRecurrences(found []RapidRecurrenceEvent) *RecurrenceResult {
	result := &RecurrenceResult{
		Events:              found,
		MonthlyTrend:        []MonthlyCount{},
		TopPrecedingReasons: []ReasonCount{},
		TopReasonPairs:      []ReasonPairCount{},
	}
	result.Summary.TotalEvents = len(found)
	if len(found) == 0 {
		return result
	}

	restartReasons := newRankedCounter[string]()
	stopReasons := newRankedCounter[string]()
	preceding := newRankedCounter[string]()
	pairs := newRankedCounter[reasonPair]()
	months := make(map[time.Time]int)

	var totalRun float64
	for i := range found {
		e := &found[i]
		totalRun += e.runMinutes

		restartReasons.add(labelOr(e.RestartReason, UnknownReason), 1)
		stopReasons.add(labelOr(e.SubsequentStopReason, UnknownReason), 1)

		p := labelOr(e.PrecedingDowntimeReason, UnknownReason)
		preceding.add(p, 1)
		pairs.add(reasonPair{preceding: p, subsequent: labelOr(e.SubsequentStopReason, UnknownReason)}, 1)

		months[monthOf(e.RestartTime)]++
	}

	result.Summary.AvgRunDurationMinutes = round1(totalRun / float64(len(found)))
	if r, ok := restartReasons.mostCommon(); ok {
		result.Summary.MostCommonRestartReason = &r
	}
	if r, ok := stopReasons.mostCommon(); ok {
		result.Summary.MostCommonStopReason = &r
	}

	keys := make([]time.Time, 0, len(months))
	for m := range months {
		keys = append(keys, m)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	for _, m := range keys {
		result.MonthlyTrend = append(result.MonthlyTrend, MonthlyCount{Month: monthLabel(m), Count: months[m]})
	}

	for _, i := range preceding.top(TopReasonLimit) {
		result.TopPrecedingReasons = append(result.TopPrecedingReasons, ReasonCount{
			Reason:      preceding.keys[i],
			Occurrences: preceding.counts[i],
		})
	}
	for _, i := range pairs.top(TopReasonLimit) {
		result.TopReasonPairs = append(result.TopReasonPairs, ReasonPairCount{
			PrecedingReason:  pairs.keys[i].preceding,
			SubsequentReason: pairs.keys[i].subsequent,
			Occurrences:      pairs.counts[i],
		})
	}
	return result
}
