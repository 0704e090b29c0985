package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/streadway/amqp"
)

const (
	DefaultExchange      = "postpipe.dispatch"
	DefaultRoutingPrefix = "dispatch"
)

// Sink receives rendered messages. Implementations must be safe for
// concurrent use.
type Sink interface {
	Publish(ctx context.Context, m Message) error
	Close() error
}

type AMQPOptions struct {
	URL           string
	Exchange      string
	RoutingPrefix string
}

// AMQPSink publishes to a durable topic exchange. The connection is opened
// lazily and re-dialled after any publish error.
type AMQPSink struct {
	mu   sync.Mutex
	opts AMQPOptions
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSink(opts AMQPOptions) (*AMQPSink, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("amqp url is required")
	}
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	if opts.RoutingPrefix == "" {
		opts.RoutingPrefix = DefaultRoutingPrefix
	}
	return &AMQPSink{opts: opts}, nil
}

// RoutingKey maps a bus event type onto the configured prefix:
// "dispatch.sent" becomes "<prefix>.sent".
func (s *AMQPSink) RoutingKey(key string) string {
	return routingKey(s.opts.RoutingPrefix, key)
}

func routingKey(prefix, key string) string {
	if prefix == "" || prefix == DefaultRoutingPrefix {
		return key
	}
	if rest, ok := strings.CutPrefix(key, DefaultRoutingPrefix); ok {
		return prefix + rest
	}
	return prefix + "." + key
}

func (s *AMQPSink) Publish(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(); err != nil {
		return err
	}
	err := s.ch.Publish(s.opts.Exchange, s.RoutingKey(m.RoutingKey), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    m.Time,
		Type:         m.Type,
		Body:         m.Body,
	})
	if err != nil {
		s.resetLocked()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (s *AMQPSink) ensureLocked() error {
	if s.conn != nil && !s.conn.IsClosed() && s.ch != nil {
		return nil
	}
	s.resetLocked()

	conn, err := amqp.Dial(s.opts.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp declare exchange %s: %w", s.opts.Exchange, err)
	}
	s.conn, s.ch = conn, ch
	return nil
}

func (s *AMQPSink) resetLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.ch, s.conn = nil, nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	return nil
}
