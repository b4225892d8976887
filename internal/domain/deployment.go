package domain

import "time"

// Deployment status values. The machine only moves forward: NOT_STARTED →
// IN_PROGRESS → READY, with FAILED reachable from any non-terminal state.
const (
	StatusNotStarted = "NOT_STARTED"
	StatusInProgress = "IN_PROGRESS"
	StatusReady      = "READY"
	StatusFailed     = "FAILED"
)

// Deployment captures a single build attempt for a project.
type Deployment struct {
	ID         string
	ProjectID  string
	Branch     string
	CommitSHA  string
	Status     string
	Message    string
	EnvVars    map[string]string
	TaskHandle string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DeploymentStatusUpdate carries the mutable fields of a deployment.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	Message      string
	TaskHandle   string
}

// Terminal reports whether a deployment status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusReady || status == StatusFailed
}

// CanTransition reports whether moving from one deployment status to another
// is allowed.
func CanTransition(from, to string) bool {
	if Terminal(from) {
		return false
	}
	switch to {
	case StatusFailed:
		return true
	case StatusInProgress:
		return from == StatusNotStarted
	case StatusReady:
		return from == StatusInProgress
	default:
		return false
	}
}
