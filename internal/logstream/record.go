package logstream

import (
	"encoding/json"
	"fmt"
)

// Record kinds. A "line" record carries one chunk of build output; an "end"
// record is the typed end-of-stream marker for a deployment. The marker is a
// control message: consumers commit it but never persist it, and build output
// that happens to contain marker-like text cannot terminate a drain.
const (
	KindLine = "line"
	KindEnd  = "end"
)

// Record is the wire format of one build-logs message.
type Record struct {
	Kind         string `json:"kind"`
	ProjectID    string `json:"project_id"`
	DeploymentID string `json:"deployment_id"`
	Log          string `json:"log,omitempty"`
}

// Marshal encodes the record as JSON.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a build-logs message. Records published before the kind field
// existed decode as plain lines.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode log record: %w", err)
	}
	if r.Kind == "" {
		r.Kind = KindLine
	}
	if r.Kind != KindLine && r.Kind != KindEnd {
		return Record{}, fmt.Errorf("unknown record kind %q", r.Kind)
	}
	if r.DeploymentID == "" {
		return Record{}, fmt.Errorf("log record missing deployment id")
	}
	return r, nil
}
