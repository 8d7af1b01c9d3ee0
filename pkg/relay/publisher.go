package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/riderpresence/internal/presence/broadcast"
)

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher mirrors broadcast events onto NATS, one subject per topic:
// "<prefix>.admin-dashboard", "<prefix>.rider:<id>", "<prefix>.trip:<id>".
type Publisher struct {
	conn   natsPublisher
	prefix string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	if conn == nil {
		return nil
	}
	return newPublisher(conn, prefix)
}

func newPublisher(conn natsPublisher, prefix string) *Publisher {
	if prefix == "" {
		prefix = "presence"
	}
	return &Publisher{conn: conn, prefix: prefix}
}

// Subject returns the NATS subject events on topic are published to.
func (p *Publisher) Subject(ev broadcast.Event) string {
	return p.prefix + "." + string(ev.Topic)
}

// Relay satisfies broadcast.Relay.
func (p *Publisher) Relay(ctx context.Context, ev broadcast.Event) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return p.conn.PublishMsg(&nats.Msg{Subject: p.Subject(ev), Data: payload, Header: nats.Header{
		"x-trace-id":   {traceIDFromContext(ctx)},
		"x-event-type": {ev.Name},
	}})
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
