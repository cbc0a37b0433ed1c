package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/washmart/internal/model"
)

func testEvent() model.OrderStatusChanged {
	return model.OrderStatusChanged{
		OrderID:        "01JABCDEF",
		OrderNumber:    100042,
		ShopID:         "shop-1",
		UserID:         "user-1",
		PreviousStatus: model.OrderStatusPending,
		NewStatus:      model.OrderStatusProceeding,
		ActorID:        "owner-1",
		OccurredAt:     time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC),
	}
}

type stubWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &stubWriter{}
	p, err := NewKafkaPublisher(w)
	require.NoError(t, err)

	require.NoError(t, p.PublishStatusChanged(context.Background(), testEvent()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "01JABCDEF", string(msg.Key))

	var got model.OrderStatusChanged
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, testEvent(), got)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)

	w.err = errors.New("broker down")
	assert.Error(t, p.PublishStatusChanged(context.Background(), testEvent()))
}

func TestNewKafkaWriter_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaWriter(nil, "orders")
	assert.Error(t, err)

	w, err := NewKafkaWriter([]string{"localhost:9092"}, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", w.Topic)
}

type stubTopic struct {
	msgs    []*pubsub.Message
	stopped bool
}

func (s *stubTopic) Publish(_ context.Context, msg *pubsub.Message) (string, error) {
	s.msgs = append(s.msgs, msg)
	return "server-id-1", nil
}

func (s *stubTopic) Stop() { s.stopped = true }

func TestPubSubPublisher(t *testing.T) {
	topic := &stubTopic{}
	p, err := NewPubSubPublisher(topic)
	require.NoError(t, err)

	require.NoError(t, p.PublishStatusChanged(context.Background(), testEvent()))
	require.Len(t, topic.msgs, 1)

	attrs := topic.msgs[0].Attributes
	assert.Equal(t, EventType, attrs["eventType"])
	assert.Equal(t, "01JABCDEF", attrs["orderId"])
	assert.Equal(t, "100042", attrs["orderNumber"])
	assert.Equal(t, "proceeding", attrs["newStatus"])
	assert.Equal(t, "01JABCDEF", topic.msgs[0].OrderingKey)

	require.NoError(t, p.Close())
	assert.True(t, topic.stopped)
}

func TestWebhookPublisher_OK(t *testing.T) {
	var got model.OrderStatusChanged
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	p := NewWebhookPublisher(ts.URL)
	require.NoError(t, p.PublishStatusChanged(context.Background(), testEvent()))
	assert.Equal(t, testEvent(), got)
}

func TestWebhookPublisher_RetriesAfterTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	var slept []time.Duration
	p := NewWebhookPublisher(ts.URL)
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	require.NoError(t, p.PublishStatusChanged(context.Background(), testEvent()))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{5 * time.Second}, slept)
}

func TestWebhookPublisher_GivesUp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	p := NewWebhookPublisher(ts.URL)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	assert.Error(t, p.PublishStatusChanged(context.Background(), testEvent()))
}

func TestWebhookPublisher_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	assert.Error(t, NewWebhookPublisher(ts.URL).PublishStatusChanged(context.Background(), testEvent()))
	assert.Error(t, NewWebhookPublisher("").PublishStatusChanged(context.Background(), testEvent()))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.OrderStatusChanged
	err    error
}

func (p *recordingPublisher) PublishStatusChanged(_ context.Context, evt model.OrderStatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type countingRecorder struct {
	ok, failed atomic.Int32
}

func (r *countingRecorder) RecordEventPublish(_ context.Context, _ string, _ float64, success bool) {
	if success {
		r.ok.Add(1)
		return
	}
	r.failed.Add(1)
}

func TestAsync_DeliversAndRecords(t *testing.T) {
	next := &recordingPublisher{}
	rec := &countingRecorder{}
	a := NewAsync(next, BackendLog, zap.NewNop(), rec, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.PublishStatusChanged(context.Background(), testEvent()))
	}
	require.Eventually(t, func() bool { return next.count() == 3 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, int32(3), rec.ok.Load())
}

func TestAsync_DropsWhenFullAndSwallowsErrors(t *testing.T) {
	next := &recordingPublisher{err: errors.New("boom")}
	rec := &countingRecorder{}
	a := NewAsync(next, BackendWebhook, zap.NewNop(), rec, 1)

	require.NoError(t, a.PublishStatusChanged(context.Background(), testEvent()))
	require.NoError(t, a.PublishStatusChanged(context.Background(), testEvent()), "full queue must not fail the caller")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))

	assert.Equal(t, 1, next.count())
	assert.Equal(t, int32(1), rec.failed.Load())
}

func TestAsync_PublishesInlineAfterStop(t *testing.T) {
	next := &recordingPublisher{}
	rec := &countingRecorder{}
	a := NewAsync(next, BackendLog, zap.NewNop(), rec, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))

	require.NoError(t, a.PublishStatusChanged(context.Background(), testEvent()))
	assert.Equal(t, 1, next.count(), "late event is delivered without the queue")
	assert.Equal(t, int32(1), rec.ok.Load())
}

func TestLogPublisherAndBackends(t *testing.T) {
	assert.NoError(t, NewLogPublisher(zap.NewNop()).PublishStatusChanged(context.Background(), testEvent()))
	assert.NoError(t, ValidateBackend(BackendPubSub))
	assert.Error(t, ValidateBackend("carrier-pigeon"))
}
