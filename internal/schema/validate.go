// ABOUTME: Static required/optional field table per message type
// ABOUTME: Validate enforces required fields for structured content only

package schema

import (
	"fmt"

	"github.com/2389/hitl-coord/internal/coord"
)

// FieldRule describes the fields expected in structured content of one type.
type FieldRule struct {
	Required    []string
	Optional    []string
	Description string
}

// FieldRules maps message types to their schema. Types missing from the table
// accept only free-text content.
var FieldRules = map[MessageType]FieldRule{
	TypeInit: {
		Optional:    []string{"role", "capabilities"},
		Description: "Initialize coordination session",
	},
	TypeAcknowledgment: {
		Optional:    []string{"role", "status"},
		Description: "Acknowledge message or role",
	},
	TypeSync: {
		Required:    []string{"config"},
		Optional:    []string{"rules", "standards"},
		Description: "Synchronize configuration",
	},
	TypeCapabilities: {
		Required:    []string{"capabilities"},
		Optional:    []string{"protocol_version", "supported_versions"},
		Description: "Declare agent capabilities",
	},
	TypeOwnership: {
		Required:    []string{"files"},
		Optional:    []string{"patterns"},
		Description: "Declare file ownership",
	},
	TypeCoordinationComplete: {
		Optional:    []string{"summary"},
		Description: "Synchronization complete",
	},
	TypeQuestion: {
		Required:    []string{"question"},
		Optional:    []string{"context"},
		Description: "Ask question",
	},
	TypeResponse: {
		Required:    []string{"answer"},
		Optional:    []string{"reply_to"},
		Description: "Provide answer",
	},
	TypeTaskAssign: {
		Required:    []string{"task"},
		Optional:    []string{"files", "subtasks", "depends_on"},
		Description: "Assign task",
	},
	TypeTaskComplete: {
		Required:    []string{"task_id"},
		Optional:    []string{"files_modified", "status"},
		Description: "Report task completion",
	},
	TypeProgress: {
		Required:    []string{"status"},
		Optional:    []string{"percentage", "details"},
		Description: "Progress update",
	},
	TypeConflictDetected: {
		Required:    []string{"conflict_type", "details"},
		Optional:    []string{"suggested_resolution"},
		Description: "Report conflict",
	},
	TypeConflictResolved: {
		Required:    []string{"resolution"},
		Optional:    []string{"rationale"},
		Description: "Conflict resolved",
	},
}

// Validate checks content against the schema for t. Free-text content is
// always accepted. Structured content fails with a schema_violation error
// when t is unknown, has no schema, or lacks a required field.
func Validate(t MessageType, c Content) error {
	if !c.IsStructured() {
		return nil
	}
	if !t.Valid() {
		return coord.SchemaViolation(string(t), "", fmt.Sprintf("invalid message type: %s", t))
	}
	rule, ok := FieldRules[t]
	if !ok {
		return coord.SchemaViolation(string(t), "", fmt.Sprintf("no schema defined for message type: %s", t))
	}
	for _, field := range rule.Required {
		if !c.Has(field) {
			return coord.SchemaViolation(string(t), field, fmt.Sprintf("missing required field: %s", field))
		}
	}
	return nil
}
