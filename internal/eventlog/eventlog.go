// Package eventlog decodes machine event logs from JSON payloads and files.
package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/millpulse/backend/internal/db/models"
	"github.com/millpulse/backend/internal/utils"
	"github.com/millpulse/backend/internal/xlsx"
)

// Decode validates a JSON event, an array of events or an {"events": [...]} document
// against the machine event schema. Event times are converted to UTC.
func Decode(validator *utils.JSONSchemaValidator, payload []byte) ([]models.HistoricalEvent, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", utils.ErrValidation)
	}

	documents, err := split(trimmed)
	if err != nil {
		return nil, err
	}

	events := make([]models.HistoricalEvent, 0, len(documents))
	for i, doc := range documents {
		if err := validator.ValidateBytes(utils.MachineEventSchemaName, doc); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}

		var e models.HistoricalEvent
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", utils.ErrValidation, i, err)
		}
		e.EventTime = e.EventTime.UTC()
		events = append(events, e)
	}
	return events, nil
}

func split(payload []byte) ([]json.RawMessage, error) {
	if payload[0] == '[' {
		var documents []json.RawMessage
		if err := json.Unmarshal(payload, &documents); err != nil {
			return nil, fmt.Errorf("%w: malformed event array: %v", utils.ErrValidation, err)
		}
		return documents, nil
	}

	var envelope struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Events != nil {
		return envelope.Events, nil
	}
	return []json.RawMessage{payload}, nil
}

// Load reads an event log from a JSON file or an .xlsx workbook
func Load(path string) ([]models.HistoricalEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		events, err := xlsx.ReadEvents(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return events, nil
	}

	validator, err := utils.NewMachineEventValidator()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	events, err := Decode(validator, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}
