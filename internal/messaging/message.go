// Package messaging defines the runtime messages exchanged between the page
// observer, the background coordinator and the panel, and the channel that
// carries them.
//
// Messages are flat JSON objects discriminated by "type". Delivery is
// fire-and-forget and at-most-once; only GET_CURRENT_PROBLEM expects a reply.
package messaging

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"leetbuddy/internal/problem"
)

// Type discriminates runtime messages.
type Type string

const (
	TypeProblemMetadata    Type = "PROBLEM_METADATA"
	TypeProblemCleared     Type = "PROBLEM_CLEARED"
	TypeSubmissionAccepted Type = "SUBMISSION_ACCEPTED"
	TypeGetCurrentProblem  Type = "GET_CURRENT_PROBLEM"
	TypeOpenSidePanel      Type = "OPEN_SIDE_PANEL"
)

// Known reports whether t is a runtime message type.
func (t Type) Known() bool {
	switch t {
	case TypeProblemMetadata, TypeProblemCleared, TypeSubmissionAccepted,
		TypeGetCurrentProblem, TypeOpenSidePanel:
		return true
	}
	return false
}

var (
	ErrUnknownType    = errors.New("messaging: unknown message type")
	ErrInvalidMessage = errors.New("messaging: invalid message")
)

// Message is a runtime message. Which fields are meaningful depends on Type.
// Tab identifies the sending tab when the message originates in a page.
type Message struct {
	Type Type

	// PROBLEM_METADATA
	Slug       string
	Title      string
	Difficulty problem.Difficulty
	Tags       []string
	StartAt    int64

	// SUBMISSION_ACCEPTED
	SubmissionID string
	At           int64

	Tab string
}

// ProblemMetadata announces the problem open in a page. StartAt is omitted
// when zero.
func ProblemMetadata(cur problem.Current) Message {
	return Message{
		Type:       TypeProblemMetadata,
		Slug:       cur.Slug,
		Title:      cur.Title,
		Difficulty: cur.Difficulty,
		Tags:       append([]string(nil), cur.Tags...),
		StartAt:    cur.StartAt,
	}
}

// ProblemCleared announces that the page left every problem.
func ProblemCleared() Message {
	return Message{Type: TypeProblemCleared}
}

// SubmissionAccepted announces an accepted submission detected at epoch-ms at.
func SubmissionAccepted(slug, submissionID string, at int64) Message {
	return Message{
		Type:         TypeSubmissionAccepted,
		Slug:         slug,
		SubmissionID: submissionID,
		At:           at,
	}
}

// GetCurrentProblem asks for the current problem.
func GetCurrentProblem() Message {
	return Message{Type: TypeGetCurrentProblem}
}

// OpenSidePanel asks the background to show the panel.
func OpenSidePanel() Message {
	return Message{Type: TypeOpenSidePanel}
}

// Current returns the problem carried by a PROBLEM_METADATA message.
func (m Message) Current() problem.Current {
	return problem.Current{
		Metadata: problem.Metadata{
			Slug:       m.Slug,
			Title:      m.Title,
			Difficulty: m.Difficulty,
			Tags:       append([]string(nil), m.Tags...),
		},
		StartAt: m.StartAt,
	}
}

// WithTab returns a copy of m stamped with the sending tab.
func (m Message) WithTab(tab string) Message {
	m.Tab = tab
	return m
}

type metadataWire struct {
	Type       Type               `json:"type"`
	Slug       string             `json:"slug"`
	Title      string             `json:"title"`
	Difficulty problem.Difficulty `json:"difficulty"`
	Tags       []string           `json:"tags"`
	StartAt    int64              `json:"startAt,omitempty"`
	Tab        string             `json:"tab,omitempty"`
}

type acceptedWire struct {
	Type         Type   `json:"type"`
	Slug         string `json:"slug"`
	SubmissionID string `json:"submissionId"`
	At           int64  `json:"at"`
	Tab          string `json:"tab,omitempty"`
}

type bareWire struct {
	Type Type   `json:"type"`
	Tab  string `json:"tab,omitempty"`
}

// MarshalJSON emits only the fields defined for the message type.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeProblemMetadata:
		tags := m.Tags
		if tags == nil {
			tags = []string{}
		}
		return json.Marshal(metadataWire{
			Type: m.Type, Slug: m.Slug, Title: m.Title, Difficulty: m.Difficulty,
			Tags: tags, StartAt: m.StartAt, Tab: m.Tab,
		})
	case TypeSubmissionAccepted:
		return json.Marshal(acceptedWire{
			Type: m.Type, Slug: m.Slug, SubmissionID: m.SubmissionID, At: m.At, Tab: m.Tab,
		})
	default:
		return json.Marshal(bareWire{Type: m.Type, Tab: m.Tab})
	}
}

// UnmarshalJSON decodes without validation. Use Decode for untrusted input.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w struct {
		Type         Type               `json:"type"`
		Slug         string             `json:"slug"`
		Title        string             `json:"title"`
		Difficulty   problem.Difficulty `json:"difficulty"`
		Tags         []string           `json:"tags"`
		StartAt      int64              `json:"startAt"`
		SubmissionID string             `json:"submissionId"`
		At           int64              `json:"at"`
		Tab          string             `json:"tab"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		Type:         w.Type,
		Slug:         w.Slug,
		Title:        w.Title,
		Difficulty:   w.Difficulty,
		Tags:         w.Tags,
		StartAt:      w.StartAt,
		SubmissionID: w.SubmissionID,
		At:           w.At,
		Tab:          w.Tab,
	}
	return nil
}

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

//go:embed schema/runtime-message.schema.json
var schemaJSON []byte

const schemaURL = "https://leetbuddy.local/schema/runtime-message.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(schemaURL)
})

// Decode parses and validates a runtime message. Unknown types yield
// ErrUnknownType; known types with a bad shape yield ErrInvalidMessage.
func Decode(data []byte) (Message, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	obj, ok := instance.(map[string]any)
	if !ok {
		return Message{}, fmt.Errorf("%w: not an object", ErrInvalidMessage)
	}
	typ, _ := obj["type"].(string)
	if !Type(typ).Known() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	schema, err := compiledSchema()
	if err != nil {
		return Message{}, fmt.Errorf("compile message schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, typ, err)
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Difficulty != "" {
		m.Difficulty = problem.ParseDifficulty(string(m.Difficulty))
	}
	return m, nil
}
