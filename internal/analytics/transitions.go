package analytics

import (
	"github.com/millpulse/backend/internal/db/models"
)

type transitionEdge struct {
	from string
	to   string
}

// AnalyzeTransitions counts DOWNTIME -> RUNNING -> DOWNTIME triples and labels each by the
// grouped attribute of its two downtime events.
//
// Only DOWNTIME and RUNNING events take part; other states are dropped before sorting, so a
// CHANGEOVER between two events does not break a triple. The from/to filters are applied
// before percentages are computed.
func AnalyzeTransitions(events []models.HistoricalEvent, opts TransitionOptions) (*TransitionResult, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	relevant := make([]models.HistoricalEvent, 0, len(events))
	for _, e := range events {
		if e.State == models.StateDowntime || e.State == models.StateRunning {
			relevant = append(relevant, e)
		}
	}

	var streams [][]models.HistoricalEvent
	switch opts.Scope {
	case ScopePerMill:
		mills, partitions := partitionByMill(relevant)
		for _, mill := range mills {
			streams = append(streams, partitions[mill])
		}
	default:
		streams = [][]models.HistoricalEvent{sortedCopy(relevant)}
	}

	edges := newRankedCounter[transitionEdge]()
	pairs := make([]TransitionEventPair, 0)
	for _, stream := range streams {
		for i := 0; i+2 < len(stream); i++ {
			a, b, c := &stream[i], &stream[i+1], &stream[i+2]
			if a.State != models.StateDowntime || b.State != models.StateRunning || c.State != models.StateDowntime {
				continue
			}

			from, to := opts.Grouping.Value(a), opts.Grouping.Value(c)
			if opts.FromValue != "" && from != opts.FromValue {
				continue
			}
			if opts.ToValue != "" && to != opts.ToValue {
				continue
			}

			edges.add(transitionEdge{from: from, to: to}, 1)
			pairs = append(pairs, TransitionEventPair{
				From:            from,
				To:              to,
				PrecedingEvent:  *a,
				SubsequentEvent: *c,
				RunningMinutes:  round1(runningMinutes(b, c)),
			})
		}
	}

	total := len(pairs)
	result := &TransitionResult{
		Transitions:      make([]DowntimeTransition, 0, edges.len()),
		EventPairs:       pairs,
		TotalTransitions: total,
	}
	for _, i := range edges.ranked() {
		count := edges.counts[i]
		result.Transitions = append(result.Transitions, DowntimeTransition{
			From:       edges.keys[i].from,
			To:         edges.keys[i].to,
			Count:      count,
			Percentage: round1(float64(count) / float64(total) * 100),
		})
	}
	result.Matrix = buildMatrix(edges, opts.TopN)
	return result, nil
}

// runningMinutes is the recorded length of the RUNNING event, or the gap to the next stop
func runningMinutes(running, stop *models.HistoricalEvent) float64 {
	if running.Minutes != nil {
		return *running.Minutes
	}
	return minutesBetween(running.EventTime, stop.EventTime)
}

// buildMatrix ranks source and destination labels independently by their marginal totals
// and fills a topN x topN dense matrix. Labels are interned to integer ids first so the
// fill is a pair of slice lookups per edge.
func buildMatrix(edges *rankedCounter[transitionEdge], topN int) TransitionMatrix {
	rows := newRankedCounter[string]()
	cols := newRankedCounter[string]()
	rowOf := make([]int, edges.len())
	colOf := make([]int, edges.len())
	for i, e := range edges.keys {
		rowOf[i] = rows.add(e.from, edges.counts[i])
		colOf[i] = cols.add(e.to, edges.counts[i])
	}

	rowIDs := rows.top(topN)
	colIDs := cols.top(topN)

	rowPos := make([]int, rows.len())
	colPos := make([]int, cols.len())
	for i := range rowPos {
		rowPos[i] = -1
	}
	for i := range colPos {
		colPos[i] = -1
	}

	m := TransitionMatrix{
		Rows: make([]string, len(rowIDs)),
		Cols: make([]string, len(colIDs)),
		Data: make([][]int, len(rowIDs)),
	}
	for p, id := range rowIDs {
		rowPos[id] = p
		m.Rows[p] = rows.keys[id]
		m.Data[p] = make([]int, len(colIDs))
	}
	for p, id := range colIDs {
		colPos[id] = p
		m.Cols[p] = cols.keys[id]
	}

	for i := range edges.keys {
		r, c := rowPos[rowOf[i]], colPos[colOf[i]]
		if r >= 0 && c >= 0 {
			m.Data[r][c] += edges.counts[i]
		}
	}
	return m
}
