// Package xlsx converts analytics results to Excel workbooks and reads event logs from them.
package xlsx

import (
	"fmt"
	"io"
	"time"

	"github.com/millpulse/backend/internal/analytics"
	"github.com/xuri/excelize/v2"
)

// ContentType is the MIME type of a workbook response
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const timeLayout = "2006-01-02 15:04:05"

// sheet accumulates rows for one worksheet
type sheet struct {
	name string
	rows [][]interface{}
}

func (s *sheet) add(cells ...interface{}) {
	s.rows = append(s.rows, cells)
}

// build writes the sheets in order into a new workbook; the default sheet is renamed to
// the first one
func build(sheets ...*sheet) (*excelize.File, error) {
	f := excelize.NewFile()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), s.name); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(s.name); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create sheet %s: %w", s.name, err)
		}

		for r, row := range s.rows {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			if err != nil {
				f.Close()
				return nil, err
			}
			if err := f.SetSheetRow(s.name, cell, &row); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to write %s row %d: %w", s.name, r+1, err)
			}
		}

		if len(s.rows) > 0 && len(s.rows[0]) > 0 {
			last, _ := excelize.CoordinatesToCellName(len(s.rows[0]), 1)
			if err := f.SetCellStyle(s.name, "A1", last, bold); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	return f, nil
}

// RecurrenceWorkbook lays a rapid-recurrence result out over five sheets
func RecurrenceWorkbook(res *analytics.RecurrenceResult) (*excelize.File, error) {
	events := &sheet{name: "Events"}
	events.add("Mill", "Factory", "Restart Time", "Restart Reason", "Stop Time", "Stop Reason",
		"Run Minutes", "Equipment", "Product Spec", "Preceding Downtime Minutes",
		"Preceding Downtime Reason", "Subsequent Downtime Minutes")
	for _, e := range res.Events {
		events.add(e.Mill, str(e.Factory), e.RestartTime.UTC().Format(timeLayout), str(e.RestartReason),
			e.StopTime.UTC().Format(timeLayout), str(e.SubsequentStopReason), e.RunDurationMinutes,
			str(e.Equipment), str(e.ProductSpec), e.PrecedingDowntimeMinutes,
			str(e.PrecedingDowntimeReason), num(e.SubsequentDowntimeMinutes))
	}

	summary := &sheet{name: "Summary"}
	summary.add("Metric", "Value")
	summary.add("Total Events", res.Summary.TotalEvents)
	summary.add("Average Run Minutes", res.Summary.AvgRunDurationMinutes)
	summary.add("Most Common Restart Reason", str(res.Summary.MostCommonRestartReason))
	summary.add("Most Common Stop Reason", str(res.Summary.MostCommonStopReason))
	if res.Truncated {
		summary.add("Truncated At", res.EventLimit)
	}

	trend := &sheet{name: "Monthly Trend"}
	trend.add("Month", "Count")
	for _, m := range res.MonthlyTrend {
		trend.add(m.Month, m.Count)
	}

	preceding := &sheet{name: "Preceding Reasons"}
	preceding.add("Reason", "Occurrences")
	for _, r := range res.TopPrecedingReasons {
		preceding.add(r.Reason, r.Occurrences)
	}

	pairs := &sheet{name: "Reason Pairs"}
	pairs.add("Preceding Reason", "Subsequent Reason", "Occurrences")
	for _, p := range res.TopReasonPairs {
		pairs.add(p.PrecedingReason, p.SubsequentReason, p.Occurrences)
	}

	return build(events, summary, trend, preceding, pairs)
}

// TransitionWorkbook lays a transition result out over three sheets
func TransitionWorkbook(res *analytics.TransitionResult) (*excelize.File, error) {
	transitions := &sheet{name: "Transitions"}
	transitions.add("From", "To", "Count", "Percentage")
	for _, t := range res.Transitions {
		transitions.add(t.From, t.To, t.Count, t.Percentage)
	}
	transitions.add("Total", "", res.TotalTransitions, "")

	matrix := &sheet{name: "Matrix"}
	header := []interface{}{"From \\ To"}
	for _, c := range res.Matrix.Cols {
		header = append(header, c)
	}
	matrix.add(header...)
	for i, r := range res.Matrix.Rows {
		row := []interface{}{r}
		for _, v := range res.Matrix.Data[i] {
			row = append(row, v)
		}
		matrix.add(row...)
	}

	pairs := &sheet{name: "Event Pairs"}
	pairs.add("From", "To", "Preceding Mill", "Preceding Time", "Subsequent Mill", "Subsequent Time", "Running Minutes")
	for _, p := range res.EventPairs {
		pairs.add(p.From, p.To, p.PrecedingEvent.Mill, p.PrecedingEvent.EventTime.UTC().Format(timeLayout),
			p.SubsequentEvent.Mill, p.SubsequentEvent.EventTime.UTC().Format(timeLayout), p.RunningMinutes)
	}

	return build(transitions, matrix, pairs)
}

// Write serializes the workbook to w and closes it
func Write(f *excelize.File, w io.Writer) error {
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// Filename builds a download name such as rapid-recurrence-20240301.xlsx
func Filename(analyzer string, at time.Time) string {
	return fmt.Sprintf("%s-%s.xlsx", analyzer, at.UTC().Format("20060102"))
}

func str(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func num(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}
