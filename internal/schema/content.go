// ABOUTME: Message content as a tagged union of free text or a structured JSON object
// ABOUTME: Serializes as a JSON string or object so transports see the original shape

package schema

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
)

// ErrNotObject is returned when structured content is not a JSON object.
var ErrNotObject = errors.New("structured content must be a JSON object")

// Content is either free text or a structured JSON object. The zero value is
// empty text.
type Content struct {
	text string
	raw  json.RawMessage
}

// Text returns free-text content.
func Text(s string) Content {
	return Content{text: s}
}

// Structured returns structured content from a raw JSON object.
func Structured(raw []byte) (Content, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return Content{}, ErrNotObject
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Content{}, err
	}
	return Content{raw: buf.Bytes()}, nil
}

// FromFields returns structured content built from a field map.
func FromFields(fields map[string]any) (Content, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return Content{}, err
	}
	return Content{raw: raw}, nil
}

// Parse interprets s the way the send tool does: a JSON object becomes
// structured content, anything else stays text.
func Parse(s string) Content {
	trimmed := bytes.TrimSpace([]byte(s))
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if c, err := Structured(trimmed); err == nil {
			return c
		}
	}
	return Text(s)
}

// IsStructured reports whether the content is a JSON object.
func (c Content) IsStructured() bool {
	return c.raw != nil
}

// Text returns the free-text value, or the compact JSON for structured content.
func (c Content) Text() string {
	if c.raw != nil {
		return string(c.raw)
	}
	return c.text
}

// Raw returns the JSON object for structured content, or nil for text.
func (c Content) Raw() json.RawMessage {
	return c.raw
}

// Has reports whether structured content carries a top-level field.
func (c Content) Has(field string) bool {
	if c.raw == nil {
		return false
	}
	return gjson.GetBytes(c.raw, gjson.Escape(field)).Exists()
}

// Decode unmarshals structured content into v.
func (c Content) Decode(v any) error {
	if c.raw == nil {
		return ErrNotObject
	}
	return json.Unmarshal(c.raw, v)
}

// MarshalJSON encodes text as a JSON string and structured content as an object.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.raw != nil {
		return c.raw, nil
	}
	return json.Marshal(c.text)
}

// UnmarshalJSON accepts a JSON string (text) or object (structured).
// Other JSON values are kept as their literal text.
func (c *Content) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	switch {
	case res.IsObject():
		s, err := Structured(data)
		if err != nil {
			return err
		}
		*c = s
	case res.Type == gjson.String:
		*c = Text(res.String())
	default:
		*c = Text(res.Raw)
	}
	return nil
}
