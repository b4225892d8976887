package drain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/shipyard-dev/shipyard/internal/domain"
	"github.com/shipyard-dev/shipyard/internal/logstream"
)

// ErrTimeout reports that the end-of-stream marker never arrived inside the
// configured wall-clock window. This is the safety net for builds that die
// without publishing their marker.
var ErrTimeout = errors.New("drain: end-of-stream marker not seen before timeout")

var (
	insertedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shipyard",
		Subsystem: "drain",
		Name:      "inserted_events_total",
		Help:      "Log events durably inserted into the analytics store",
	})
	insertFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shipyard",
		Subsystem: "drain",
		Name:      "insert_failures_total",
		Help:      "Log events whose insert failed and were skipped",
	})
)

func init() {
	for _, collector := range []*prometheus.Counter{&insertedEvents, &insertFailures} {
		if err := prometheus.Register(*collector); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				*collector = are.ExistingCollector.(prometheus.Counter)
			}
		}
	}
}

// Fetcher is the slice of kafka.Reader the drain loop needs. Fetching never
// advances offsets; only CommitMessages does.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Sink persists log events.
type Sink interface {
	InsertLogEvent(ctx context.Context, event domain.LogEvent) error
}

// Service drains the build-logs topic into the analytics store until the
// end-of-stream marker for its scope arrives, committing each message's exact
// offset after processing it. Inserts are at-most-once: a failed insert is
// logged and counted, and the offset still advances.
type Service struct {
	fetcher      Fetcher
	sink         Sink
	logger       *slog.Logger
	deploymentID string
	timeout      time.Duration

	inserted int
	failed   int
}

// New constructs a drain service. deploymentID optionally scopes which end
// marker terminates the run; empty means the first marker seen. timeout is
// the wall-clock safety window.
func New(fetcher Fetcher, sink Sink, logger *slog.Logger, deploymentID string, timeout time.Duration) *Service {
	return &Service{
		fetcher:      fetcher,
		sink:         sink,
		logger:       logger,
		deploymentID: deploymentID,
		timeout:      timeout,
	}
}

// Run processes messages until the end marker arrives or the safety timeout
// fires. It returns nil on a clean drain and ErrTimeout when the window
// elapses first.
func (s *Service) Run(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	for {
		msg, err := s.fetcher.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				s.logger.Error("drain timed out waiting for end marker",
					"deployment_id", s.deploymentID, "inserted", s.inserted, "failed", s.failed)
				return ErrTimeout
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		record, err := logstream.Decode(msg.Value)
		if err != nil {
			// Malformed records cannot be replayed into anything useful;
			// commit past them so the partition keeps moving.
			s.logger.Warn("skipping malformed log record",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			s.commit(ctx, msg)
			continue
		}

		done := false
		switch record.Kind {
		case logstream.KindEnd:
			if s.deploymentID == "" || record.DeploymentID == s.deploymentID {
				done = true
			}
		case logstream.KindLine:
			s.insert(ctx, record, msg.Time)
		}

		s.commit(ctx, msg)

		if done {
			s.logger.Info("log stream drained",
				"deployment_id", record.DeploymentID, "inserted", s.inserted, "failed", s.failed)
			return nil
		}
	}
}

func (s *Service) insert(ctx context.Context, record logstream.Record, at time.Time) {
	event := domain.LogEvent{
		EventID:      uuid.NewString(),
		DeploymentID: record.DeploymentID,
		Log:          record.Log,
		Timestamp:    at,
	}
	if err := s.sink.InsertLogEvent(ctx, event); err != nil {
		s.failed++
		insertFailures.Inc()
		s.logger.Warn("log event insert failed, skipping",
			"deployment_id", record.DeploymentID, "error", err)
		return
	}
	s.inserted++
	insertedEvents.Inc()
}

func (s *Service) commit(ctx context.Context, msg kafka.Message) {
	if err := s.fetcher.CommitMessages(ctx, msg); err != nil {
		s.logger.Warn("offset commit failed",
			"partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
}
