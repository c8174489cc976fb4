package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessError_StatusMapping(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		label  string
	}{
		{"validation", fmt.Errorf("%w: thresholdMinutes must be positive", ErrValidation), http.StatusBadRequest, "validation_error"},
		{"not found", ErrNotFound, http.StatusNotFound, "not_found"},
		{"upstream", fmt.Errorf("%w: connection refused", ErrUpstream), http.StatusInternalServerError, "upstream_error"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_server_error"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := processError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.label, resp.Error)
		})
	}
}

func TestProcessError_KeepsCode(t *testing.T) {
	err := NewErrorWithCode(fmt.Errorf("%w: bad grouping", ErrValidation), "invalid_grouping")
	status, resp := processError(err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grouping", resp.Code)
	assert.True(t, IsValidationError(err))
}

func TestHandleError_WritesJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/v1/analytics/rapid-recurrence", nil)

	HandleError(ctx, fmt.Errorf("%w: db down", ErrUpstream), NewNopLogger())

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "upstream_error", body.Error)
	assert.Contains(t, body.Message, "db down")
}

func TestPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request = httptest.NewRequest(http.MethodGet, "/events?page=3&limit=9999", nil)

	p := GetPaginationFromContext(ctx)
	assert.Equal(t, 3, p.Page)
	assert.Equal(t, MaxLimit, p.Limit)
	assert.Equal(t, 2*MaxLimit, p.Offset())

	resp := NewPaginatedResponse([]int{}, PaginationRequest{Page: 1, Limit: 10}, 25)
	assert.Equal(t, 3, resp.Pagination.TotalPages)
}

func TestMachineEventValidator(t *testing.T) {
	v, err := NewMachineEventValidator()
	require.NoError(t, err)

	valid := []byte(`{"mill":"M1","event_time":"2024-03-01T08:00:00Z","state":"DOWNTIME","reason":"Jam","minutes":null}`)
	assert.NoError(t, v.ValidateBytes(MachineEventSchemaName, valid))

	badState := []byte(`{"mill":"M1","event_time":"2024-03-01T08:00:00Z","state":"IDLE"}`)
	err = v.ValidateBytes(MachineEventSchemaName, badState)
	assert.Error(t, err)
	assert.True(t, IsValidationError(err))

	missingMill := []byte(`{"event_time":"2024-03-01T08:00:00Z","state":"RUNNING"}`)
	assert.Error(t, v.ValidateBytes(MachineEventSchemaName, missingMill))

	assert.Error(t, v.ValidateBytes("unknown", valid))
}
