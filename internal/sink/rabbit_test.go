package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsdk/internal/session"
	"chatsdk/internal/thread"
)

type published struct {
	queue string
	msg   amqp091.Publishing
}

type fakePublisher struct {
	mu         sync.Mutex
	declared   []string
	published  []published
	declareErr error
}

func (f *fakePublisher) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return amqp091.Queue{}, f.declareErr
	}
	f.declared = append(f.declared, name)
	return amqp091.Queue{Name: name}, nil
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{queue: key, msg: msg})
	return nil
}

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestQueueName(t *testing.T) {
	perEvent := New(&fakePublisher{}, Options{})
	defer perEvent.Close()
	assert.Equal(t, "chatsdk_ready", perEvent.QueueName(EventReady))

	shared := New(&fakePublisher{}, Options{Prefix: "cx", Queue: "events", Specific: map[string]bool{EventRuntimeError: true}})
	defer shared.Close()
	assert.Equal(t, "cx_events", shared.QueueName(EventReady))
	assert.Equal(t, "cx_runtime_error", shared.QueueName(EventRuntimeError))
}

func TestPublishesObserverEvents(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, Options{Session: "default", Now: func() time.Time { return fixed }})

	r.OnStateChanged(session.Prepared, session.Connecting)
	r.OnReady()
	r.OnRuntimeError(&session.RuntimeError{Op: "connect", Err: errors.New("refused")})
	require.NoError(t, r.Close())

	require.Len(t, pub.published, 3)
	assert.Equal(t, []string{"chatsdk_state_changed", "chatsdk_ready", "chatsdk_runtime_error"}, pub.declared)

	first := pub.published[0]
	assert.Equal(t, "chatsdk_state_changed", first.queue)
	assert.Equal(t, "application/json", first.msg.ContentType)
	assert.True(t, fixed.Equal(first.msg.Timestamp))

	var body struct {
		Event   string            `json:"event"`
		Session string            `json:"session"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(first.msg.Body, &body))
	assert.Equal(t, EventStateChanged, body.Event)
	assert.Equal(t, "default", body.Session)
	assert.Equal(t, map[string]string{"from": "prepared", "to": "connecting"}, body.Data)

	require.NoError(t, json.Unmarshal(pub.published[2].msg.Body, &body))
	assert.Equal(t, "connect", body.Data["op"])
	assert.Contains(t, body.Data["error"], "refused")
}

func TestDeclaresQueueOnce(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, Options{Queue: "events"})
	r.OnConnected()
	r.OnReady()
	r.OnUnexpectedDisconnect()
	require.NoError(t, r.Close())

	assert.Equal(t, []string{"chatsdk_events"}, pub.declared)
	assert.Len(t, pub.published, 3)
}

func TestDeclareFailureSkipsPublish(t *testing.T) {
	pub := &fakePublisher{declareErr: errors.New("access refused")}
	r := New(pub, Options{})
	r.OnReady()
	require.NoError(t, r.Close())
	assert.Empty(t, pub.published)
}

func TestOnThreadsSummarizes(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, Options{})
	r.OnThreads([]thread.Thread{{
		ID:              "t1",
		Name:            "Billing",
		State:           thread.Ready,
		Messages:        []thread.Message{{ID: "m1"}, {ID: "m2"}},
		Agent:           &thread.Agent{FirstName: "Bo", LastName: "Ng"},
		PositionInQueue: 2,
	}})
	require.NoError(t, r.Close())
	require.Len(t, pub.published, 1)

	var body struct {
		Data []ThreadSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(pub.published[0].msg.Body, &body))
	require.Len(t, body.Data, 1)
	got := body.Data[0]
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, "ready", got.State)
	assert.Equal(t, 2, got.Messages)
	assert.Equal(t, "Bo Ng", got.Agent)
	assert.Equal(t, 2, got.PositionInQueue)
}
