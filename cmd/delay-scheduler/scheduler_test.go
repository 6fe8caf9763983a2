package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paynexus/internal/pkg/mq"
)

type queueReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed int
}

func (r *queueReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *queueReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed += len(msgs)
	return nil
}

func (r *queueReader) Close() error { return nil }

func (r *queueReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func (w *memWriter) all() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestScheduler_DeliversDueMessages(t *testing.T) {
	reader := &queueReader{msgs: make(chan kafka.Message, 2)}
	writers := map[string]*memWriter{}
	var mu sync.Mutex
	s := NewScheduler("delay_topic_5s", 5*time.Second, reader, func(topic string) messageWriter {
		mu.Lock()
		defer mu.Unlock()
		w := &memWriter{}
		writers[topic] = w
		return w
	})

	past := time.Now().Add(-time.Minute)
	reader.msgs <- kafka.Message{Key: []byte("ORDER_1"), Value: []byte(`{}`), Time: past, Headers: []kafka.Header{
		{Key: mq.HeaderRealTopic, Value: []byte("payment-reconcile-check")},
		{Key: headerDelayTimestamp, Value: []byte(past.Format(time.RFC3339))},
		{Key: mq.HeaderRetryCount, Value: []byte("2")},
		{Key: "traceparent", Value: []byte("00-stale")},
	}}
	reader.msgs <- kafka.Message{Value: []byte(`{}`), Time: past}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return reader.commits() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	w := writers["payment-reconcile-check"]
	mu.Unlock()
	require.NotNil(t, w)
	out := w.all()
	require.Len(t, out, 1)
	assert.Equal(t, "ORDER_1", string(out[0].Key))
	assert.Equal(t, "2", mq.Header(out[0].Headers, mq.HeaderRetryCount))
	assert.Empty(t, mq.Header(out[0].Headers, mq.HeaderRealTopic))
	assert.Empty(t, mq.Header(out[0].Headers, headerDelayTimestamp))
	assert.NotEqual(t, "00-stale", mq.Header(out[0].Headers, "traceparent"))
}

func TestScheduler_DueAt(t *testing.T) {
	s := NewScheduler("delay_topic_5m", 5*time.Minute, &queueReader{}, nil)
	stored := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header string
		want   time.Time
	}{
		{name: "level delay", want: stored.Add(5 * time.Minute)},
		{name: "earlier timestamp wins", header: stored.Add(time.Minute).Format(time.RFC3339), want: stored.Add(time.Minute)},
		{name: "later timestamp is capped", header: stored.Add(time.Hour).Format(time.RFC3339), want: stored.Add(5 * time.Minute)},
		{name: "garbage ignored", header: "soon", want: stored.Add(5 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := kafka.Message{Time: stored}
			if tt.header != "" {
				msg.Headers = []kafka.Header{{Key: headerDelayTimestamp, Value: []byte(tt.header)}}
			}
			assert.True(t, tt.want.Equal(s.dueAt(msg)), "got %s", s.dueAt(msg))
		})
	}
}

func TestSleep_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
	assert.True(t, sleep(context.Background(), 0))
}
