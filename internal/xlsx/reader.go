package xlsx

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/millpulse/backend/internal/db/models"
	"github.com/xuri/excelize/v2"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	timeLayout,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// ReadEvents reads machine events from the first sheet of a workbook. The first row names
// the columns using the event's JSON field names; mill, event_time and state are required.
// Rows without an id get "row-<n>".
func ReadEvents(r io.Reader) ([]models.HistoricalEvent, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets found in xlsx file")
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("xlsx file is empty")
	}
	header, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"mill", "event_time", "state"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	var events []models.HistoricalEvent
	line := 1
	for rows.Next() {
		line++
		cells, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		get := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(cells) {
				return ""
			}
			return strings.TrimSpace(cells[i])
		}
		if get("mill") == "" && get("event_time") == "" && get("state") == "" {
			continue
		}

		e, err := parseRow(get)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		if e.ID == "" {
			e.ID = fmt.Sprintf("row-%d", line)
		}
		events = append(events, e)
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return events, nil
}

func parseRow(get func(string) string) (models.HistoricalEvent, error) {
	e := models.HistoricalEvent{
		ID:          get("id"),
		Mill:        get("mill"),
		Factory:     models.StringPtr(get("factory")),
		Reason:      models.StringPtr(get("reason")),
		Category:    models.StringPtr(get("category")),
		SubCategory: models.StringPtr(get("sub_category")),
		Equipment:   models.StringPtr(get("equipment")),
		ProductSpec: models.StringPtr(get("product_spec")),
		Comment:     models.StringPtr(get("comment")),
	}

	state, err := models.ParseMachineState(get("state"))
	if err != nil {
		return e, err
	}
	e.State = state

	if e.EventTime, err = parseTime(get("event_time")); err != nil {
		return e, err
	}

	if raw := get("minutes"); raw != "" {
		m, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return e, fmt.Errorf("invalid minutes %q", raw)
		}
		e.Minutes = &m
	}
	return e, e.Validate()
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid event_time %q", raw)
}
