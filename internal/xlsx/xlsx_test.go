package xlsx

import (
	"bytes"
	"testing"
	"time"

	"github.com/millpulse/backend/internal/analytics"
	"github.com/millpulse/backend/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func sample() []models.HistoricalEvent {
	at := func(m int) time.Time { return t0.Add(time.Duration(m) * time.Minute) }
	return []models.HistoricalEvent{
		{ID: "1", Mill: "M1", EventTime: at(0), State: models.StateDowntime, Reason: models.StringPtr("A")},
		{ID: "2", Mill: "M1", EventTime: at(5), State: models.StateRunning},
		{ID: "3", Mill: "M1", EventTime: at(8), State: models.StateDowntime, Reason: models.StringPtr("B")},
	}
}

func reopen(t *testing.T, f *excelize.File) *excelize.File {
	var buf bytes.Buffer
	require.NoError(t, Write(f, &buf))
	out, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	t.Cleanup(func() { out.Close() })
	return out
}

func TestRecurrenceWorkbook(t *testing.T) {
	res, err := analytics.DetectRapidRecurrences(sample(), analytics.DefaultRecurrenceOptions())
	require.NoError(t, err)
	res.Truncated, res.EventLimit = true, 50000

	f, err := RecurrenceWorkbook(res)
	require.NoError(t, err)
	wb := reopen(t, f)

	assert.Equal(t, []string{"Events", "Summary", "Monthly Trend", "Preceding Reasons", "Reason Pairs"}, wb.GetSheetList())

	rows, err := wb.GetRows("Events")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Mill", rows[0][0])
	assert.Equal(t, "M1", rows[1][0])
	assert.Equal(t, "2024-03-04 10:05:00", rows[1][2])
	assert.Equal(t, "B", rows[1][5])
	assert.Equal(t, "3", rows[1][6])

	summary, err := wb.GetRows("Summary")
	require.NoError(t, err)
	assert.Equal(t, []string{"Total Events", "1"}, summary[1])
	assert.Equal(t, []string{"Truncated At", "50000"}, summary[len(summary)-1])

	trend, err := wb.GetRows("Monthly Trend")
	require.NoError(t, err)
	assert.Equal(t, []string{"Mar 2024", "1"}, trend[1])
}

func TestTransitionWorkbook(t *testing.T) {
	res, err := analytics.AnalyzeTransitions(sample(), analytics.DefaultTransitionOptions())
	require.NoError(t, err)

	f, err := TransitionWorkbook(res)
	require.NoError(t, err)
	wb := reopen(t, f)

	assert.Equal(t, []string{"Transitions", "Matrix", "Event Pairs"}, wb.GetSheetList())

	transitions, err := wb.GetRows("Transitions")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "1", "100"}, transitions[1])
	assert.Equal(t, []string{"Total", "", "1"}, transitions[2])

	matrix, err := wb.GetRows("Matrix")
	require.NoError(t, err)
	assert.Equal(t, []string{"From \\ To", "B"}, matrix[0])
	assert.Equal(t, []string{"A", "1"}, matrix[1])
}

func TestReadEvents(t *testing.T) {
	build := func(rows [][]interface{}) *bytes.Buffer {
		f := excelize.NewFile()
		for i, row := range rows {
			cell, _ := excelize.CoordinatesToCellName(1, i+1)
			r := row
			require.NoError(t, f.SetSheetRow("Sheet1", cell, &r))
		}
		var buf bytes.Buffer
		require.NoError(t, f.Write(&buf))
		return &buf
	}

	t.Run("Should read events by header name", func(t *testing.T) {
		buf := build([][]interface{}{
			{"Mill", "event_time", "STATE", "reason", "minutes", "id"},
			{"M1", "2024-03-04T10:00:00Z", "downtime", "Jam", "4.5", "x1"},
			{"M1", "2024-03-04 10:05:00", "RUNNING", "", "", ""},
			{"", "", "", "", "", ""},
		})

		events, err := ReadEvents(buf)
		require.NoError(t, err)
		require.Len(t, events, 2)

		assert.Equal(t, "x1", events[0].ID)
		assert.Equal(t, models.StateDowntime, events[0].State)
		assert.Equal(t, "Jam", *events[0].Reason)
		assert.Equal(t, 4.5, *events[0].Minutes)
		assert.Equal(t, t0, events[0].EventTime)

		assert.Equal(t, "row-3", events[1].ID)
		assert.Nil(t, events[1].Reason)
		assert.Equal(t, t0.Add(5*time.Minute), events[1].EventTime)
	})

	t.Run("Should reject a sheet without required columns", func(t *testing.T) {
		_, err := ReadEvents(build([][]interface{}{{"mill", "state"}, {"M1", "RUNNING"}}))
		assert.ErrorContains(t, err, "event_time")
	})

	t.Run("Should report the failing row", func(t *testing.T) {
		_, err := ReadEvents(build([][]interface{}{
			{"mill", "event_time", "state"},
			{"M1", "yesterday", "RUNNING"},
		}))
		assert.ErrorContains(t, err, "row 2")
	})
}
