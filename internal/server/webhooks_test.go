package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"wsrpline/internal/config"
	"wsrpline/internal/events"
)

type memorySource struct {
	events []events.Event
}

func (m *memorySource) EventsAfter(_ context.Context, afterID int64, limit int) ([]events.Event, error) {
	var out []events.Event
	for _, e := range m.events {
		if e.ID > afterID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memorySource) LatestEventID(context.Context) (int64, error) {
	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].ID, nil
}

func (m *memorySource) add(typ string) {
	m.events = append(m.events, events.Event{
		ID:         int64(len(m.events) + 1),
		Type:       typ,
		EntityKind: events.KindConsumer,
		EntityID:   "portal",
		Payload:    events.EventPayload{"name": "portal"},
	})
}

func TestWebhookDispatcherForwardsNewEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		failNext bool
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failNext {
			failNext = false
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.Equal(t, "s3cret", r.Header.Get("X-Wsrpline-Secret"))
		var evt webhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		received = append(received, evt)
	}))
	defer hook.Close()

	src := &memorySource{}
	src.add(events.ConsumerSaved)
	cfg := config.Default("producer-1")
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret", Events: []string{events.ConsumerRemoved}}}
	d := newWebhookDispatcher(src, cfg, zerolog.Nop())
	ctx := context.Background()

	d.dispatchAll(ctx)
	require.Empty(t, received, "events older than startup are not replayed")

	src.add(events.ConsumerSaved)
	src.add(events.ConsumerRemoved)
	mu.Lock()
	failNext = true
	mu.Unlock()
	d.dispatchAll(ctx)
	require.Empty(t, received)

	d.dispatchAll(ctx)
	require.Len(t, received, 1)
	require.Equal(t, events.ConsumerRemoved, received[0].Type)
	require.Equal(t, "producer-1", received[0].ProducerID)
	require.Equal(t, int64(3), received[0].ID)

	d.dispatchAll(ctx)
	require.Len(t, received, 1)
}

func TestEventFilter(t *testing.T) {
	require.True(t, newEventFilter(nil).match("anything"))
	require.True(t, newEventFilter([]string{" "}).match("anything"))
	f := newEventFilter([]string{"group.saved"})
	require.True(t, f.match("group.saved"))
	require.False(t, f.match("group.removed"))
}
