package logstream

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
)

var droppedLines = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "shipyard",
	Subsystem: "logstream",
	Name:      "dropped_log_lines_total",
	Help:      "Build log lines that failed to publish and were discarded",
})

func init() {
	if err := prometheus.Register(droppedLines); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			droppedLines = are.ExistingCollector.(prometheus.Counter)
		}
	}
}

// Publisher appends one build's log lines, in order, to the build-logs topic.
// Publishing is fire-and-forget: a failed write is counted and logged locally
// but never surfaced to the build, so a flaky broker cannot abort a build.
type Publisher struct {
	writer       *kafka.Writer
	logger       *slog.Logger
	projectID    string
	deploymentID string
	dropped      atomic.Int64
}

// NewPublisher constructs a Publisher for a single deployment. Messages are
// keyed by deployment id so one build's lines land on one partition in
// emission order.
func NewPublisher(brokers []string, topic, projectID, deploymentID string, logger *slog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &Publisher{
		writer:       writer,
		logger:       logger,
		projectID:    projectID,
		deploymentID: deploymentID,
	}
}

// Publish sends one log line. Best effort, at most one attempt.
func (p *Publisher) Publish(ctx context.Context, line string) {
	p.send(ctx, Record{
		Kind:         KindLine,
		ProjectID:    p.projectID,
		DeploymentID: p.deploymentID,
		Log:          line,
	})
}

// PublishEnd sends the end-of-stream marker for this deployment.
func (p *Publisher) PublishEnd(ctx context.Context) {
	p.send(ctx, Record{
		Kind:         KindEnd,
		ProjectID:    p.projectID,
		DeploymentID: p.deploymentID,
	})
}

func (p *Publisher) send(ctx context.Context, record Record) {
	value, err := record.Marshal()
	if err != nil {
		p.drop("marshal", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(p.deploymentID),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.drop("write", err)
	}
}

func (p *Publisher) drop(op string, err error) {
	p.dropped.Add(1)
	droppedLines.Inc()
	if p.logger != nil {
		p.logger.Warn("log line dropped", "op", op, "deployment_id", p.deploymentID, "error", err)
	}
}

// Dropped reports how many records this publisher failed to ship.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close flushes buffered messages and releases the broker connection.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
