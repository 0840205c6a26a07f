// Package schema defines coordination message types and the required-field
// table used to validate structured message content.
//
// Content is a tagged union: plain text, which is never validated, or a
// structured JSON object, which must carry every required field for its
// declared type. Types without a table entry reject structured content.
package schema
