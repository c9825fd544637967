package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/monitoring"
	"hostinbox/backend/internal/storage/memory"
)

type capturedRequest struct {
	body      []byte
	signature string
	event     string
	id        string
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = append(captured, capturedRequest{
			body:      body,
			signature: r.Header.Get("X-Webhook-Signature"),
			event:     r.Header.Get("X-Webhook-Event"),
			id:        r.Header.Get("X-Webhook-ID"),
		})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), captured...)
	}
}

func testEvent() *domain.WebhookEvent {
	return &domain.WebhookEvent{
		ID:        "evt-1",
		Event:     domain.WebhookEventMessageIngested,
		Timestamp: testNow,
		Data:      domain.MessageIngestedData{AccountAddress: hostAddress, MessageID: "m1", ReservationID: "ABC123"},
	}
}

func TestWebhookDispatcherDelivers(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusOK)
	store := memory.NewStore()
	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry(), nil)

	d := NewWebhookDispatcher([]string{srv.URL}, "s3cret", time.Second, store, nil)
	d.SetMetrics(metrics)
	d.SetClock(fixedClock)

	require.NoError(t, d.Notify(context.Background(), testEvent()))
	d.Wait()

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.True(t, VerifySignature(reqs[0].body, "s3cret", reqs[0].signature))
	assert.False(t, VerifySignature(reqs[0].body, "other", reqs[0].signature))
	assert.Equal(t, string(domain.WebhookEventMessageIngested), reqs[0].event)
	assert.NotEmpty(t, reqs[0].id)

	var decoded domain.WebhookEvent
	require.NoError(t, json.Unmarshal(reqs[0].body, &decoded))
	assert.Equal(t, "evt-1", decoded.ID)

	deliveries, err := store.ListWebhookDeliveries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Success)
	assert.Equal(t, 1, deliveries[0].Attempts)
	assert.Nil(t, deliveries[0].NextRetry)
	assert.Equal(t, reqs[0].id, deliveries[0].ID)
}

func TestWebhookDispatcherFailureSchedulesRetry(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusBadGateway)
	store := memory.NewStore()

	d := NewWebhookDispatcher([]string{srv.URL}, "s3cret", time.Second, store, nil)
	d.SetClock(fixedClock)

	require.NoError(t, d.Notify(context.Background(), testEvent()))
	d.Wait()

	deliveries, err := store.ListWebhookDeliveries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	delivery := deliveries[0]
	assert.False(t, delivery.Success)
	assert.Equal(t, http.StatusBadGateway, delivery.StatusCode)
	assert.Contains(t, delivery.Error, "HTTP 502")
	require.NotNil(t, delivery.NextRetry)
	assert.Equal(t, testNow.Add(time.Minute), delivery.NextRetry.UTC())

	t.Run("未到重试时间不重试", func(t *testing.T) {
		n, err := d.RetryFailedDeliveries(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("Due deliveries are retried", func(t *testing.T) {
		d.SetClock(func() time.Time { return testNow.Add(2 * time.Minute) })
		n, err := d.RetryFailedDeliveries(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		deliveries, err := store.ListWebhookDeliveries(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, deliveries, 1, "retry updates the same record")
		assert.Equal(t, 2, deliveries[0].Attempts)
		require.NotNil(t, deliveries[0].NextRetry)
		assert.Equal(t, testNow.Add(2*time.Minute+5*time.Minute), deliveries[0].NextRetry.UTC())
		assert.Len(t, requests(), 2)
	})
}

func TestWebhookDispatcherGivesUp(t *testing.T) {
	d := NewWebhookDispatcher(nil, "", 0, nil, nil)
	d.SetClock(fixedClock)

	for attempts := 1; attempts < maxDeliveryAttempts; attempts++ {
		assert.NotNil(t, d.nextRetry(attempts), "attempt %d", attempts)
	}
	assert.Nil(t, d.nextRetry(maxDeliveryAttempts))
}

func TestWebhookDispatcherNoEndpoints(t *testing.T) {
	d := NewWebhookDispatcher(nil, "", 0, memory.NewStore(), nil)
	assert.NoError(t, d.Notify(context.Background(), testEvent()))
	d.Wait()
}

func TestWebhookDispatcherIgnoresCancelledContext(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusNoContent)
	d := NewWebhookDispatcher([]string{srv.URL}, "k", time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Notify(ctx, testEvent()))
	cancel()
	d.Wait()

	assert.Len(t, requests(), 1)
}

func TestSign(t *testing.T) {
	sig := Sign([]byte(`{"a":1}`), "key")
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.Equal(t, sig, Sign([]byte(`{"a":1}`), "key"))
	assert.NotEqual(t, sig, Sign([]byte(`{"a":2}`), "key"))
}

func TestMultiNotifier(t *testing.T) {
	ok := new(MockNotifier)
	ok.On("Notify", mock.Anything, mock.Anything).Return(nil).Once()
	failing := new(MockNotifier)
	failing.On("Notify", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

	err := MultiNotifier{failing, nil, ok}.Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	ok.AssertExpectations(t)
	failing.AssertExpectations(t)
}
