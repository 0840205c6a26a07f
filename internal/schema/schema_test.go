// ABOUTME: Tests for message types, content parsing, and schema validation
// ABOUTME: Covers text bypass, required fields, and unknown or schemaless types

package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hitl-coord/internal/coord"
)

func TestParseType(t *testing.T) {
	got, err := ParseType("task_assign")
	require.NoError(t, err)
	assert.Equal(t, TypeTaskAssign, got)

	_, err = ParseType("not_a_type")
	assert.Error(t, err)

	assert.Len(t, AllTypes, 18)
	assert.Len(t, TypeNames(), 18)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		structured bool
	}{
		{"object", `{"task": "x"}`, true},
		{"object with whitespace", "  {\"a\":1}\n", true},
		{"plain text", "hello there", false},
		{"array stays text", `[1,2,3]`, false},
		{"number stays text", `42`, false},
		{"broken json stays text", `{"task": `, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Parse(tt.input)
			assert.Equal(t, tt.structured, c.IsStructured())
			if !tt.structured {
				assert.Equal(t, tt.input, c.Text())
			}
		})
	}
}

func TestContent_JSONShape(t *testing.T) {
	text, err := json.Marshal(Text("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(text))

	c, err := Structured([]byte(`{ "task" : "x", "files": ["a"] }`))
	require.NoError(t, err)
	obj, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"task":"x","files":["a"]}`, string(obj))

	var back Content
	require.NoError(t, json.Unmarshal(obj, &back))
	assert.True(t, back.IsStructured())
	assert.True(t, back.Has("files"))

	require.NoError(t, json.Unmarshal([]byte(`"plain"`), &back))
	assert.False(t, back.IsStructured())
	assert.Equal(t, "plain", back.Text())
}

func TestContent_Decode(t *testing.T) {
	c, err := FromFields(map[string]any{"task": "write docs"})
	require.NoError(t, err)

	var payload struct {
		Task string `json:"task"`
	}
	require.NoError(t, c.Decode(&payload))
	assert.Equal(t, "write docs", payload.Task)

	assert.ErrorIs(t, Text("x").Decode(&payload), ErrNotObject)
}

func TestStructured_RejectsNonObject(t *testing.T) {
	_, err := Structured([]byte(`[1]`))
	assert.ErrorIs(t, err, ErrNotObject)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		typ     MessageType
		content Content
		field   string
		wantErr bool
	}{
		{"text always passes", TypeTaskAssign, Text("do the thing"), "", false},
		{"text passes for schemaless type", TypeStop, Text("halt"), "", false},
		{"required present", TypeTaskAssign, Parse(`{"task":"x"}`), "", false},
		{"required missing", TypeTaskAssign, Parse(`{}`), "task", true},
		{"no required fields", TypeInit, Parse(`{}`), "", false},
		{"second required missing", TypeConflictDetected, Parse(`{"conflict_type":"file"}`), "details", true},
		{"sync needs config", TypeSync, Parse(`{"rules":[]}`), "config", true},
		{"schemaless type rejects structured", TypeStop, Parse(`{"reason":"x"}`), "", true},
		{"unknown type rejects structured", MessageType("bogus"), Parse(`{"a":1}`), "", true},
		{"null value still counts as present", TypeQuestion, Parse(`{"question":null}`), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.typ, tt.content)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, coord.ErrSchemaViolation))
			ce, ok := coord.AsError(err)
			require.True(t, ok)
			if tt.field != "" {
				assert.Equal(t, tt.field, ce.Details["field"])
			}
		})
	}
}
