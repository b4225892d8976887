package logstream

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// NewReader builds a consumer-group reader for the build-logs topic.
// CommitInterval stays zero so offsets move only through explicit
// CommitMessages calls; group heartbeats run on the reader's group session at
// the given interval.
func NewReader(brokers []string, topic, groupID string, heartbeat time.Duration) *kafka.Reader {
	if heartbeat <= 0 {
		heartbeat = 3 * time.Second
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:           brokers,
		Topic:             topic,
		GroupID:           groupID,
		MinBytes:          1,
		MaxBytes:          10 << 20,
		HeartbeatInterval: heartbeat,
		StartOffset:       kafka.FirstOffset,
	})
}
