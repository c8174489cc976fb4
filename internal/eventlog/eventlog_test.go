package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/millpulse/backend/internal/db/models"
	"github.com/millpulse/backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestDecode(t *testing.T) {
	validator, err := utils.NewMachineEventValidator()
	require.NoError(t, err)

	t.Run("Should accept an object, an array or an envelope", func(t *testing.T) {
		for _, payload := range []string{
			`{"mill":"M1","event_time":"2024-01-15T09:00:00+01:00","state":"RUNNING"}`,
			`[{"mill":"M1","event_time":"2024-01-15T09:00:00+01:00","state":"RUNNING"}]`,
			`{"events":[{"mill":"M1","event_time":"2024-01-15T09:00:00+01:00","state":"RUNNING"}]}`,
		} {
			events, err := Decode(validator, []byte(payload))
			require.NoError(t, err, payload)
			require.Len(t, events, 1)
			assert.Equal(t, time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC), events[0].EventTime)
			assert.Equal(t, models.StateRunning, events[0].State)
		}
	})

	t.Run("Should name the failing event", func(t *testing.T) {
		_, err := Decode(validator, []byte(`[{"mill":"M1","event_time":"2024-01-15T09:00:00Z","state":"RUNNING"},{"mill":"M1"}]`))
		assert.ErrorIs(t, err, utils.ErrValidation)
		assert.ErrorContains(t, err, "event 1")
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("Should load a JSON file", func(t *testing.T) {
		path := filepath.Join(dir, "events.json")
		require.NoError(t, os.WriteFile(path, []byte(`[
			{"id":"a","mill":"M1","event_time":"2024-01-15T08:00:00Z","state":"DOWNTIME","reason":"Jam"},
			{"id":"b","mill":"M1","event_time":"2024-01-15T08:05:00Z","state":"RUNNING"}
		]`), 0o644))

		events, err := Load(path)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "Jam", *events[0].Reason)
	})

	t.Run("Should load a workbook", func(t *testing.T) {
		f := excelize.NewFile()
		require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"mill", "event_time", "state"}))
		require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]interface{}{"M1", "2024-01-15T08:00:00Z", "RUNNING"}))
		path := filepath.Join(dir, "events.xlsx")
		require.NoError(t, f.SaveAs(path))

		events, err := Load(path)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "M1", events[0].Mill)
	})

	t.Run("Should report a missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "missing.json"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
