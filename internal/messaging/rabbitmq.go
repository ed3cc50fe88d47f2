package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func dial(url string) (*amqp.Connection, error) {
	var err error
	for attempt := range MaxConnectRetry {
		var conn *amqp.Connection
		if conn, err = amqp.Dial(url); err == nil {
			return conn, nil
		}
		slog.Warn("rabbitmq dial failed", "attempt", attempt+1, "max_attempts", MaxConnectRetry, "error", err)
		time.Sleep(RetryDelay)
	}
	return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", MaxConnectRetry, err)
}

// openChannel dials the broker and returns a channel on which the model events exchange
// is declared. A positive prefetch limits unacked deliveries for consumers.
func openChannel(url string, prefetch int) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := dial(url)
	if err != nil {
		return nil, nil, err
	}

	fail := func(msg string, err error) (*amqp.Connection, *amqp.Channel, error) {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("error closing rabbitmq connection", "error", closeErr)
		}
		return nil, nil, fmt.Errorf("%s: %w", msg, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		return fail("failed to open rabbitmq channel", err)
	}
	if prefetch > 0 {
		if err := channel.Qos(prefetch, 0, false); err != nil {
			return fail("failed to set channel qos", err)
		}
	}
	if err := channel.ExchangeDeclare(ModelEventsExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fail("failed to declare exchange "+ModelEventsExchange, err)
	}

	slog.Info("connected to rabbitmq", "exchange", ModelEventsExchange)
	return conn, channel, nil
}

type RabbitMQPublisher struct {
	connLock   sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	url        string
	closed     atomic.Bool
	destructor sync.Once
}

var _ Publisher = (*RabbitMQPublisher)(nil)

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: rabbitMQURL}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) connect() error {
	conn, channel, err := openChannel(p.url, 0)
	if err != nil {
		return err
	}
	p.conn, p.channel = conn, channel

	go p.handleReconnect(channel)
	return nil
}

func (p *RabbitMQPublisher) handleReconnect(channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error, 1)
	channel.NotifyClose(notifyClose)

	err, ok := <-notifyClose
	if !ok { // channel is just closed on graceful close
		slog.Info("rabbitmq connection closed", "error", err)
		return
	}

	slog.Warn("rabbit connection closed, attempting to reconnect", "error", err)

	p.connLock.Lock() // publishers wait until the connection is back
	defer p.connLock.Unlock()

	p.channel = nil
	p.conn = nil
	for !p.closed.Load() {
		if p.connect() == nil {
			slog.Info("successfully reconnected to rabbitmq")
			return
		}
		time.Sleep(RetryDelay * 10)
	}
}

func (p *RabbitMQPublisher) publishTaskInternal(ctx context.Context, taskType string, payload interface{}) error {
	p.connLock.RLock()
	defer p.connLock.RUnlock()

	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}

	err = p.channel.PublishWithContext(ctx,
		ModelEventsExchange,
		"", // fanout ignores the routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         taskType,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		slog.Error("failed to publish task, potential connection issue", "type", taskType, "error", err)
		return fmt.Errorf("failed to publish %s: %w", taskType, err)
	}

	return nil
}

func (p *RabbitMQPublisher) PublishModelExported(ctx context.Context, payload ModelExportedPayload) error {
	return p.publishTaskInternal(ctx, ModelExportedTask, payload)
}

func (p *RabbitMQPublisher) Close() {
	p.destructor.Do(func() {
		p.closed.Store(true)

		p.connLock.RLock()
		defer p.connLock.RUnlock()
		if p.conn == nil {
			return
		}
		if err := p.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	})
}

type RabbitMQTask struct {
	d amqp.Delivery
}

func (t *RabbitMQTask) Type() string {
	return t.d.Type
}

func (t *RabbitMQTask) Payload() []byte {
	return t.d.Body
}

func (t *RabbitMQTask) Ack() error {
	return t.d.Ack(false)
}

// Nack drops the event without requeueing it. A reload that failed once would most
// likely fail again, and a later event supersedes it anyway.
func (t *RabbitMQTask) Nack() error {
	return t.d.Nack(false, false)
}

func (t *RabbitMQTask) Reject() error {
	return t.d.Reject(false)
}

type RabbitMQReceiver struct {
	tasks chan Task
	url   string
	stop  chan struct{}
	once  sync.Once
}

var _ Receiver = (*RabbitMQReceiver)(nil)

func NewRabbitMQReceiver(rabbitMQURL string) (*RabbitMQReceiver, error) {
	c := &RabbitMQReceiver{
		tasks: make(chan Task),
		url:   rabbitMQURL,
		stop:  make(chan struct{}),
	}

	if err := c.receiveTasks(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RabbitMQReceiver) consume(msgs <-chan amqp.Delivery) {
	for d := range msgs {
		select {
		case c.tasks <- &RabbitMQTask{d: d}:
		case <-c.stop:
			return
		}
	}
}

func (c *RabbitMQReceiver) receiveTasks() error {
	// One reload at a time.
	conn, channel, err := openChannel(c.url, 1)
	if err != nil {
		return err
	}

	fail := func(msg string, err error) error {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("error closing rabbitmq connection", "error", closeErr)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}

	// Each receiver gets its own broker-named queue that lives as long as the
	// connection. Events published while a server is disconnected are not replayed.
	queue, err := channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail("failed to declare rabbitmq queue", err)
	}
	if err := channel.QueueBind(queue.Name, "", ModelEventsExchange, false, nil); err != nil {
		return fail("failed to bind queue to "+ModelEventsExchange, err)
	}

	msgs, err := channel.Consume(queue.Name, "", false, true, false, false, nil)
	if err != nil {
		return fail("failed to consume from rabbitmq queue "+queue.Name, err)
	}
	slog.Info("consuming model events", "queue", queue.Name)

	go c.consume(msgs)
	go c.handleReconnect(conn, channel)
	return nil
}

func (c *RabbitMQReceiver) handleReconnect(conn *amqp.Connection, channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error, 1)
	channel.NotifyClose(notifyClose)

	select {
	case err, ok := <-notifyClose:
		if !ok { // channel is just closed on graceful close
			slog.Info("rabbitmq connection closed", "error", err)
			return
		}

		slog.Warn("rabbit connection closed, attempting to reconnect", "error", err)

		for {
			if c.receiveTasks() == nil {
				slog.Info("successfully restarted rabbitmq consumer")
				return
			}
			select {
			case <-time.After(RetryDelay * 10):
			case <-c.stop:
				return
			}
		}
	case <-c.stop:
		slog.Info("stopping rabbitmq consumer")
		if err := conn.Close(); err != nil {
			slog.Error("error closing rabbitmq conn", "error", err)
		}
		return
	}
}

func (c *RabbitMQReceiver) Tasks() <-chan Task {
	return c.tasks
}

func (c *RabbitMQReceiver) Close() {
	c.once.Do(func() { close(c.stop) })
}
