package services

import (
	"context"
	"sync"
	"testing"

	"github.com/millpulse/backend/internal/db/repository"
	"github.com/millpulse/backend/internal/metrics"
	"github.com/millpulse/backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedNotification struct {
	mill    string
	kind    NotificationType
	payload interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
}

func (n *recordingNotifier) NotifyMill(mill string, kind NotificationType, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, recordedNotification{mill: mill, kind: kind, payload: payload})
}

func newIngest(t *testing.T) (*IngestService, repository.EventRepository, *recordingNotifier, *metrics.Stats) {
	t.Helper()
	repo := repository.NewMemoryEventRepository()
	notifier := &recordingNotifier{}
	stats := metrics.NewStats()
	svc, err := NewIngestService(repo, notifier, nil, stats, utils.NewNopLogger())
	require.NoError(t, err)
	return svc, repo, notifier, stats
}

func TestIngestService_IngestPayload(t *testing.T) {
	ctx := context.Background()

	t.Run("Should store a single event and notify its mill", func(t *testing.T) {
		svc, repo, notifier, stats := newIngest(t)

		payload := []byte(`{"id":"e1","mill":"M1","event_time":"2024-01-15T10:00:00+02:00","state":"DOWNTIME","reason":"Jam"}`)
		res, err := svc.IngestPayload(ctx, SourceHTTP, payload)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Accepted)
		require.Len(t, res.Mills, 1)
		assert.Equal(t, "M1", res.Mills[0].Mill)

		fetched, err := repo.FetchEvents(ctx, repository.EventFilter{Mill: "M1"}, repository.FetchOptions{})
		require.NoError(t, err)
		require.Len(t, fetched.Events, 1)
		assert.Equal(t, "UTC", fetched.Events[0].EventTime.Location().String())
		assert.Equal(t, 8, fetched.Events[0].EventTime.Hour())

		require.Len(t, notifier.sent, 1)
		assert.Equal(t, NotificationTypeEventsIngested, notifier.sent[0].kind)
		assert.Equal(t, 1.0, counterValue(t, stats, "millpulse_ingested_events_total", SourceHTTP))
	})

	t.Run("Should accept an array and assign missing ids", func(t *testing.T) {
		svc, repo, notifier, _ := newIngest(t)

		payload := []byte(`[
			{"mill":"M2","event_time":"2024-01-15T08:00:00Z","state":"RUNNING"},
			{"mill":"M1","event_time":"2024-01-15T08:05:00Z","state":"DOWNTIME","minutes":4.5},
			{"mill":"M1","event_time":"2024-01-15T08:01:00Z","state":"RUNNING"}
		]`)
		res, err := svc.IngestPayload(ctx, SourceKafka, payload)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Accepted)

		require.Len(t, res.Mills, 2)
		assert.Equal(t, "M1", res.Mills[0].Mill)
		assert.Equal(t, 2, res.Mills[0].Count)
		assert.Equal(t, 1, res.Mills[0].From.Minute())
		assert.Equal(t, 5, res.Mills[0].To.Minute())

		fetched, err := repo.FetchEvents(ctx, repository.EventFilter{}, repository.FetchOptions{})
		require.NoError(t, err)
		require.Len(t, fetched.Events, 3)
		for _, e := range fetched.Events {
			assert.NotEmpty(t, e.ID)
		}
		assert.Len(t, notifier.sent, 2)
	})

	t.Run("Should reject payloads that fail the schema", func(t *testing.T) {
		svc, repo, notifier, stats := newIngest(t)

		for _, payload := range []string{
			``,
			`{"mill":"M1","state":"RUNNING"}`,
			`{"mill":"M1","event_time":"2024-01-15T08:00:00Z","state":"SLEEPING"}`,
			`[{"mill":"M1","event_time":"2024-01-15T08:00:00Z","state":"RUNNING"}, 42]`,
			`[not json`,
		} {
			_, err := svc.IngestPayload(ctx, SourceHTTP, []byte(payload))
			assert.ErrorIs(t, err, utils.ErrValidation, payload)
		}

		fetched, err := repo.FetchEvents(ctx, repository.EventFilter{}, repository.FetchOptions{})
		require.NoError(t, err)
		assert.Empty(t, fetched.Events)
		assert.Empty(t, notifier.sent)
		assert.Equal(t, 5.0, counterValue(t, stats, "millpulse_ingest_rejected_payloads_total"))
	})

	t.Run("Should treat an empty array as a no-op", func(t *testing.T) {
		svc, _, notifier, _ := newIngest(t)

		res, err := svc.IngestPayload(ctx, SourceHTTP, []byte(`[]`))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Accepted)
		assert.NotNil(t, res.Mills)
		assert.Empty(t, notifier.sent)
	})
}

func TestIngestService_HandleKafkaMessage(t *testing.T) {
	svc, repo, _, _ := newIngest(t)

	err := svc.HandleKafkaMessage(context.Background(), []byte(`{"id":"k1","mill":"M9","event_time":"2024-01-15T08:00:00Z","state":"RUNNING"}`))
	require.NoError(t, err)

	mills, err := repo.ListMills(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"M9"}, mills)

	assert.Error(t, svc.HandleKafkaMessage(context.Background(), []byte(`{"mill":"M9"}`)))
}
