package ws

import "time"

// Event kinds published on a project's stream.
const (
	EventDeployment = "deployment"
	EventRun        = "run"
)

// Event is a status-change notification for a deployment or run.
type Event struct {
	Kind   string    `json:"kind"`
	ID     string    `json:"id"`
	Status string    `json:"status"`
	Step   string    `json:"step,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher fans out control-plane events to project subscribers. Services
// publish through this interface so tests can observe events directly.
type Publisher interface {
	Publish(projectID string, event Event)
}
