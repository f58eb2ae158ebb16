package backend

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/task"
)

// Disposer releases an event-stream subscription. Unsubscribe is safe
// to call more than once.
type Disposer interface {
	Unsubscribe() error
}

// Stream delivers progress events from the named backend channel.
type Stream struct {
	nc      *nats.Conn
	subject string
	log     *logging.Logger
}

// NewStream creates a progress-event stream on the given subject
// (canonically "task-mode-progress").
func NewStream(nc *nats.Conn, subject string, log *logging.Logger) *Stream {
	return &Stream{nc: nc, subject: subject, log: log.Named("stream")}
}

// Subscribe delivers every decodable progress event on the subject to
// handler, in arrival order. Malformed payloads are dropped with a
// warning. The returned disposer tears the subscription down.
func (s *Stream) Subscribe(handler func(task.ProgressEvent)) (Disposer, error) {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		var ev task.ProgressEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.log.Warn(context.Background(), "dropping malformed progress event",
				zap.String("subject", msg.Subject), zap.Error(err))
			eventCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("outcome", "malformed")))
			return
		}
		eventCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("outcome", "delivered"),
			attribute.String("event_type", string(ev.EventType))))
		handler(ev)
	})
	if err != nil {
		return nil, err
	}
	return &subscription{sub: sub}, nil
}

// subscription wraps a NATS subscription with idempotent teardown.
type subscription struct {
	once sync.Once
	sub  *nats.Subscription
	err  error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
	return s.err
}
