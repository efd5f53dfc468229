// Package mapping implements the topic-tree driven rewrite engine of
// the integrator: a schema-validated JSON document describes which
// topics to subscribe to and how to transform received publishes into
// new ones.
package mapping

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed mapping-schema.json
var schemaJSON []byte

// Document is the root of a mapping file.
type Document struct {
	Mapping Mapping `json:"mapping"`
}

type Mapping struct {
	Plugins    []string    `json:"plugins,omitempty"`
	TopicLevel TopicLevels `json:"topic_level,omitempty"`
}

// TopicLevels accepts the schema's object-or-array form for nested
// topic_level entries.
type TopicLevels []*TopicLevel

func (t *TopicLevels) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var list []*TopicLevel
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*t = list
		return nil
	}
	var one TopicLevel
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*t = TopicLevels{&one}
	return nil
}

func (t TopicLevels) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]*TopicLevel(t))
}

// TopicLevel is one node of the topic tree. A node matches exactly one
// topic level by name.
type TopicLevel struct {
	Name         string        `json:"name"`
	TopicLevel   TopicLevels   `json:"topic_level,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// Subscription carries exactly one of the three rewrite kinds.
type Subscription struct {
	QoS    uint8        `json:"qos,omitempty"`
	Static *StaticSub   `json:"static,omitempty"`
	Value  *TemplateSub `json:"value,omitempty"`
	JSON   *TemplateSub `json:"json,omitempty"`
}

// StaticSub maps exact payloads to fixed replacements.
type StaticSub struct {
	MappedTopic    string          `json:"mapped_topic"`
	RetainMessage  bool            `json:"retain_message,omitempty"`
	QoSOverride    *uint8          `json:"qos_override,omitempty"`
	Suppressions   []string        `json:"suppressions,omitempty"`
	MessageMapping MessageMappings `json:"message_mapping"`
}

// MessageMappings accepts the schema's object-or-array form.
type MessageMappings []MessageMapping

func (m *MessageMappings) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var list []MessageMapping
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*m = list
		return nil
	}
	var one MessageMapping
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*m = MessageMappings{one}
	return nil
}

func (m MessageMappings) MarshalJSON() ([]byte, error) {
	if len(m) == 1 {
		return json.Marshal(m[0])
	}
	return json.Marshal([]MessageMapping(m))
}

type MessageMapping struct {
	Message       string `json:"message"`
	MappedMessage string `json:"mapped_message"`
}

// TemplateSub renders a template against the payload: kind "value"
// exposes the raw payload as {{ value }}, kind "json" parses the
// payload and exposes its fields.
type TemplateSub struct {
	MappedTopic     string   `json:"mapped_topic"`
	MappingTemplate string   `json:"mapping_template"`
	RetainMessage   bool     `json:"retain_message,omitempty"`
	QoSOverride     *uint8   `json:"qos_override,omitempty"`
	Suppressions    []string `json:"suppressions,omitempty"`
}

// Schema returns the embedded mapping document schema.
func Schema() []byte { return schemaJSON }

// Validate checks a raw mapping document against the embedded schema.
// The returned error lists every violation.
func Validate(doc []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("mapping: validate: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msg := "mapping: invalid document"
	for _, desc := range result.Errors() {
		msg += "; " + desc.String()
	}
	return fmt.Errorf("%s", msg)
}

// Parse validates and decodes a mapping document.
func Parse(raw []byte) (*Document, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("mapping: decode: %w", err)
	}
	return &doc, nil
}
