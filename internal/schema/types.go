// ABOUTME: Coordination message type enum grouped by protocol phase
// ABOUTME: Parsing is strict here; lenient callers decide what to do with unknown values

package schema

import "fmt"

// MessageType is the declared kind of a coordination message.
type MessageType string

const (
	// Discovery
	TypeInit           MessageType = "init"
	TypeAcknowledgment MessageType = "acknowledgment"

	// Synchronization
	TypeSync                 MessageType = "sync"
	TypeCapabilities         MessageType = "capabilities"
	TypeOwnership            MessageType = "ownership"
	TypeCoordinationComplete MessageType = "coordination_complete"

	// Operational
	TypeQuestion      MessageType = "question"
	TypeResponse      MessageType = "response"
	TypeTaskAssign    MessageType = "task_assign"
	TypeTaskComplete  MessageType = "task_complete"
	TypeClarification MessageType = "clarification"
	TypeProgress      MessageType = "progress"

	// Control
	TypeReady   MessageType = "ready"
	TypeStandby MessageType = "standby"
	TypeStop    MessageType = "stop"
	TypeDone    MessageType = "done"

	// Conflict
	TypeConflictDetected MessageType = "conflict_detected"
	TypeConflictResolved MessageType = "conflict_resolved"
)

// AllTypes lists every message type in protocol order.
var AllTypes = []MessageType{
	TypeInit, TypeAcknowledgment,
	TypeSync, TypeCapabilities, TypeOwnership, TypeCoordinationComplete,
	TypeQuestion, TypeResponse, TypeTaskAssign, TypeTaskComplete, TypeClarification, TypeProgress,
	TypeReady, TypeStandby, TypeStop, TypeDone,
	TypeConflictDetected, TypeConflictResolved,
}

var knownTypes = func() map[MessageType]bool {
	m := make(map[MessageType]bool, len(AllTypes))
	for _, t := range AllTypes {
		m[t] = true
	}
	return m
}()

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return knownTypes[t]
}

func (t MessageType) String() string {
	return string(t)
}

// ParseType converts s into a MessageType.
func ParseType(s string) (MessageType, error) {
	t := MessageType(s)
	if !t.Valid() {
		return "", fmt.Errorf("invalid message type: %s", s)
	}
	return t, nil
}

// TypeNames returns AllTypes as strings, for tool input schemas.
func TypeNames() []string {
	names := make([]string, len(AllTypes))
	for i, t := range AllTypes {
		names[i] = string(t)
	}
	return names
}
