// Package sink mirrors session and thread notifications to RabbitMQ.
package sink

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"chatsdk/internal/session"
	"chatsdk/internal/task"
	"chatsdk/internal/thread"
)

// Event names used in payloads and queue names.
const (
	EventStateChanged         = "state_changed"
	EventConnected            = "connected"
	EventReady                = "ready"
	EventUnexpectedDisconnect = "unexpected_disconnect"
	EventRuntimeError         = "runtime_error"
	EventThreadsChanged       = "threads_changed"
)

const publishTimeout = 5 * time.Second

// Publisher is the part of *amqp091.Channel the sink uses.
type Publisher interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Options configure queue naming.
type Options struct {
	Session  string          // name of the mirrored session, included in every payload
	Prefix   string          // queue name prefix
	Queue    string          // shared queue; empty gives every event its own queue
	Specific map[string]bool // events that always get their own queue
	Now      func() time.Time
}

// Rabbit implements session.Observer. Publishing happens on its own
// goroutine so observers on the foreground executor never wait on the broker.
type Rabbit struct {
	pub      Publisher
	conn     *amqp091.Connection
	opts     Options
	queue    *task.Serial
	declared map[string]bool
}

// Message is the JSON body of every published message.
type Message struct {
	Event     string    `json:"event"`
	Session   string    `json:"session,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Data      any       `json:"data,omitempty"`
}

// Dial connects to the broker at url.
func Dial(url string, opts Options) (*Rabbit, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ")
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		log.Error().Err(err).Msg("Could not open RabbitMQ channel")
		return nil, err
	}
	r := New(ch, opts)
	r.conn = conn
	log.Info().
		Str("queue", opts.Queue).
		Str("prefix", r.opts.Prefix).
		Msg("RabbitMQ connection established.")
	return r, nil
}

// New creates a sink publishing through pub.
func New(pub Publisher, opts Options) *Rabbit {
	if opts.Prefix == "" {
		opts.Prefix = "chatsdk"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Rabbit{
		pub:      pub,
		opts:     opts,
		queue:    task.NewSerial(),
		declared: make(map[string]bool),
	}
}

// QueueName returns the queue an event is published to.
func (r *Rabbit) QueueName(ev string) string {
	if r.opts.Queue == "" || r.opts.Specific[ev] {
		return r.opts.Prefix + "_" + strings.ToLower(ev)
	}
	return r.opts.Prefix + "_" + r.opts.Queue
}

// Close waits for queued messages and closes the broker connection.
func (r *Rabbit) Close() error {
	r.queue.Close()
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *Rabbit) publish(ev string, data any) {
	msg := Message{Event: ev, Session: r.opts.Session, CreatedAt: r.opts.Now().UTC(), Data: data}
	body, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("eventType", ev).Msg("Failed to marshal payload for RabbitMQ")
		return
	}
	queueName := r.QueueName(ev)

	r.queue.Post(func() {
		// declared is only touched on the publishing goroutine
		if !r.declared[queueName] {
			if _, err := r.pub.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
				log.Error().Err(err).Str("queue", queueName).Msg("Could not declare RabbitMQ queue")
				return
			}
			r.declared[queueName] = true
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		err := r.pub.PublishWithContext(ctx, "", queueName, false, false, amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   msg.CreatedAt,
			Body:        body,
		})
		if err != nil {
			log.Error().Err(err).
				Str("eventType", ev).
				Str("queue", queueName).
				Msg("Failed to publish to RabbitMQ")
			return
		}
		log.Debug().
			Str("eventType", ev).
			Str("queue", queueName).
			Msg("Published message to RabbitMQ")
	})
}

func (r *Rabbit) OnStateChanged(from, to session.ChatState) {
	r.publish(EventStateChanged, map[string]session.ChatState{"from": from, "to": to})
}

func (r *Rabbit) OnConnected() { r.publish(EventConnected, nil) }

func (r *Rabbit) OnReady() { r.publish(EventReady, nil) }

func (r *Rabbit) OnUnexpectedDisconnect() { r.publish(EventUnexpectedDisconnect, nil) }

func (r *Rabbit) OnRuntimeError(err *session.RuntimeError) {
	r.publish(EventRuntimeError, map[string]string{"op": err.Op, "error": err.Error()})
}

// ThreadSummary is the published view of one thread.
type ThreadSummary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	State           string    `json:"state"`
	Messages        int       `json:"messages"`
	Agent           string    `json:"agent,omitempty"`
	PositionInQueue int       `json:"positionInQueue,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// OnThreads is a thread.ListListener.
func (r *Rabbit) OnThreads(threads []thread.Thread) {
	out := make([]ThreadSummary, 0, len(threads))
	for _, t := range threads {
		s := ThreadSummary{
			ID:              t.ID,
			Name:            t.Name,
			State:           t.State.String(),
			Messages:        len(t.Messages),
			PositionInQueue: t.PositionInQueue,
			UpdatedAt:       t.UpdatedAt,
		}
		if t.Agent != nil {
			s.Agent = t.Agent.Name()
		}
		out = append(out, s)
	}
	r.publish(EventThreadsChanged, out)
}

// Attach mirrors s and its threads until the returned handle is cancelled.
func (r *Rabbit) Attach(s *session.Session) task.Cancellable {
	obs := s.Observe(r)
	threads := s.Threads().SubscribeList(r.OnThreads)
	return task.Once(func() {
		obs.Cancel()
		threads.Cancel()
	})
}

var _ session.Observer = (*Rabbit)(nil)
