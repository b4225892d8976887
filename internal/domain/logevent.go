package domain

import "time"

// LogEvent is one persisted build-log record belonging to a deployment.
// Events are append-only; ordering within a deployment is preserved from
// emission through to the analytics store.
type LogEvent struct {
	EventID      string
	DeploymentID string
	Log          string
	Timestamp    time.Time
}
