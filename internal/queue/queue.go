package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/outboundhq/sequence-engine/internal/domain"
)

// Publisher publishes email job messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg JobMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg JobMessage) error

// Consumer consumes email job messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

var sendPriorities = []domain.Priority{
	domain.PriorityHigh,
	domain.PriorityNormal,
	domain.PriorityLow,
}

const (
	// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
	queueMaxPriority int32 = 3
)

// QueueName returns the send work queue for a priority, e.g. send.high.
func QueueName(priority domain.Priority) string {
	return fmt.Sprintf("send.%s", strings.ToLower(priority.String()))
}

// DLQName returns the dead-letter queue for a priority, e.g. dlq.send.high.
func DLQName(priority domain.Priority) string {
	return fmt.Sprintf("dlq.%s", QueueName(priority))
}

// WorkQueueNames returns all send work queues (3 total).
func WorkQueueNames() []string {
	queues := make([]string, 0, len(sendPriorities))
	for _, priority := range sendPriorities {
		queues = append(queues, QueueName(priority))
	}
	return queues
}

// DLQNames returns all dead-letter queues (3 total).
func DLQNames() []string {
	queues := make([]string, 0, len(sendPriorities))
	for _, priority := range sendPriorities {
		queues = append(queues, DLQName(priority))
	}
	return queues
}

// PriorityValue maps domain priority to RabbitMQ message priority.
func PriorityValue(priority domain.Priority) uint8 {
	switch priority {
	case domain.PriorityHigh:
		return 3
	case domain.PriorityNormal:
		return 2
	case domain.PriorityLow:
		return 1
	default:
		return 0
	}
}
