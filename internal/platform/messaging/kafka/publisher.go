// Package kafka publishes job lifecycle events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/omerlefaruk/casare-rpa/internal/orchestrator"
	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
)

// JobEvent is the message body published per lifecycle transition.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	Event      string    `json:"event"`
	RobotID    string    `json:"robot_id,omitempty"`
	Progress   float64   `json:"progress"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher sends job events through a synchronous Kafka producer, keyed by
// job id so a job's events stay ordered within a partition.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	log      logger.Logger
}

// NewPublisher connects a producer to the given brokers.
func NewPublisher(brokers []string, topic string, log logger.Logger) (*Publisher, error) {
	if log == nil {
		log = logger.NewNop()
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	return &Publisher{producer: producer, topic: topic, log: log}, nil
}

// PublishJobEvent implements orchestrator.JobEventPublisher.
func (p *Publisher) PublishJobEvent(ctx context.Context, job *orchestrator.Job, event string) error {
	body, err := json.Marshal(JobEvent{
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		Status:     string(job.Status),
		Event:      event,
		RobotID:    job.AssignedRobotID,
		Progress:   job.Progress,
		Error:      job.Error,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode job event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(job.ID),
		Value: sarama.ByteEncoder(body),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	p.log.Debug("job event published",
		"job_id", job.ID, "event", event, "partition", partition, "offset", offset)
	return nil
}

// Close shuts the producer down.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
