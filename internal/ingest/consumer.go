// Package ingest consumes send requests published by upstream campaign
// services over AMQP and feeds them into the durable queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/coldsend/relay/internal/delivery/queue"
)

// Config holds the AMQP connection settings.
type Config struct {
	URL       string `yaml:"url"`
	QueueName string `yaml:"queue_name"`
}

// Consumer reads enqueue requests off the broker. Malformed payloads and
// validation rejects are acked and dropped; storage errors are nacked
// with requeue so the message survives a restart.
type Consumer struct {
	cfg  Config
	proc *queue.Processor
	log  *slog.Logger
	conn *amqp.Connection
	ch   *amqp.Channel
	done chan struct{}
}

// NewConsumer creates an AMQP consumer feeding the queue processor.
func NewConsumer(cfg Config, proc *queue.Processor) *Consumer {
	if cfg.QueueName == "" {
		cfg.QueueName = "send_requests"
	}
	return &Consumer{
		cfg:  cfg,
		proc: proc,
		log:  slog.Default(),
		done: make(chan struct{}),
	}
}

// Start connects, declares the queue and begins consuming until the
// context is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	c.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	c.ch = ch

	q, err := ch.QueueDeclare(
		c.cfg.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		c.Stop()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		c.Stop()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.log.Info("ingest consumer started", "queue", q.Name)
	go c.loop(ctx, deliveries)
	return nil
}

func (c *Consumer) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				c.log.Warn("ingest channel closed")
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var req queue.EnqueueRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		c.log.Warn("dropping malformed send request", "error", err)
		d.Ack(false)
		return
	}

	m, err := c.proc.Enqueue(ctx, req)
	if err != nil {
		// Validation failures are permanent: requeueing would loop forever.
		if errors.Is(err, queue.ErrInvalidRequest) {
			c.log.Warn("rejecting invalid send request", "to", req.ToAddress, "error", err)
			d.Ack(false)
			return
		}
		c.log.Error("failed to enqueue send request, requeueing", "error", err)
		d.Nack(false, true)
		return
	}

	c.log.Debug("send request enqueued", "message_id", m.ID, "to", m.ToAddress)
	d.Ack(false)
}

// Stop tears down the AMQP resources.
func (c *Consumer) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
