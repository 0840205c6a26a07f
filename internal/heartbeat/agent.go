// ABOUTME: Agent health records, status values and lifecycle events
// ABOUTME: Snapshots carry freshly computed missed-beat counts

package heartbeat

import (
	"fmt"
	"time"
)

// Status is an agent's liveness classification.
type Status string

const (
	StatusAlive   Status = "alive"
	StatusMissing Status = "missing"
	StatusDead    Status = "dead"
)

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusAlive, StatusMissing, StatusDead:
		return st, nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// Event reports one status transition observed by the sweep.
type Event struct {
	AgentID     string
	From        Status
	To          Status
	MissedBeats int
	At          time.Time
}

// Listener handles an Event. Returned errors are logged.
type Listener func(Event) error

// Ack is returned by Heartbeat.
type Ack struct {
	Acknowledged    bool      `json:"acknowledged"`
	NextHeartbeatBy time.Time `json:"next_heartbeat_by"`
	Status          Status    `json:"status"`
}

// AgentStatus is a snapshot of one tracked agent.
type AgentStatus struct {
	AgentID               string         `json:"agent_id"`
	Status                Status         `json:"status"`
	LastHeartbeat         time.Time      `json:"last_heartbeat"`
	SecondsSinceHeartbeat float64        `json:"seconds_since_heartbeat"`
	MissedBeats           int            `json:"missed_beats"`
	TotalHeartbeats       int            `json:"total_heartbeats"`
	Metadata              map[string]any `json:"metadata"`
}

// Stats summarizes tracked agents by status.
type Stats struct {
	TotalAgents       int     `json:"total_agents"`
	Alive             int     `json:"alive"`
	Missing           int     `json:"missing"`
	Dead              int     `json:"dead"`
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type agentHealth struct {
	id            string
	lastHeartbeat time.Time
	count         int
	status        Status
	metadata      map[string]any
}
