package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/WizardOfCommits/wp-meta-updater/internal/config"
	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
)

// Event names carried in every message.
const (
	EventPrefixScheduled = "scheduled_update."
	EventBulkRun         = "bulk_run.finished"
)

type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *slog.Logger
	now        func() time.Time
}

func NewRabbitMQ(cfg config.RabbitMQConfig, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		cfg.QueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		cfg.RoutingKey,
		cfg.Exchange,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"queue", cfg.QueueName,
		"routing_key", cfg.RoutingKey,
	)

	return &RabbitMQ{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// StatusMessage announces a status change of a scheduled update.
type StatusMessage struct {
	Event     string                 `json:"event"`
	Update    domain.ScheduledUpdate `json:"update"`
	Timestamp time.Time              `json:"timestamp"`
}

// RunMessage announces the end of a bulk run.
type RunMessage struct {
	Event     string        `json:"event"`
	Run       domain.RunLog `json:"run"`
	Timestamp time.Time     `json:"timestamp"`
}

func newStatusMessage(u domain.ScheduledUpdate, now time.Time) StatusMessage {
	return StatusMessage{
		Event:     EventPrefixScheduled + string(u.Status),
		Update:    u,
		Timestamp: now.UTC(),
	}
}

// Notify publishes the current state of a scheduled update.
func (r *RabbitMQ) Notify(ctx context.Context, u domain.ScheduledUpdate) error {
	msg := newStatusMessage(u, r.now())
	if err := r.publish(ctx, msg.Event, msg); err != nil {
		return err
	}

	r.logger.Debug("published status change",
		"update_id", u.ID,
		"status", u.Status,
	)
	return nil
}

// PublishRun publishes the summary of a finished bulk run.
func (r *RabbitMQ) PublishRun(ctx context.Context, entry domain.RunLog) error {
	msg := RunMessage{Event: EventBulkRun, Run: entry, Timestamp: r.now().UTC()}
	if err := r.publish(ctx, msg.Event, msg); err != nil {
		return err
	}

	r.logger.Debug("published bulk run", "run_id", entry.RunID)
	return nil
}

func (r *RabbitMQ) publish(ctx context.Context, event string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = r.channel.PublishWithContext(
		ctx,
		r.exchange,
		r.routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    uuid.NewString(),
			Type:         event,
			Body:         body,
			Timestamp:    r.now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// RunLogSink lets the publisher be registered as a run logger.
type RunLogSink struct {
	Publisher *RabbitMQ
}

func (s RunLogSink) Save(ctx context.Context, entry domain.RunLog) error {
	return s.Publisher.PublishRun(ctx, entry)
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
