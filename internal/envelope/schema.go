package envelope

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// JSON Schemas for the payloads the gateway decodes itself. Validation runs
// before the typed decode so that a malformed control envelope is rejected
// as malformed_envelope instead of half-applying.

const ruleSchema = `{
	"type": "object",
	"required": ["kind"],
	"properties": {
		"kind": {"type": "string", "minLength": 1},
		"to": {"type": "array", "items": {"type": "string"}},
		"payload": {"type": "object"}
	}
}`

var controlSchemas = map[string]string{
	KindCapabilityGrant: `{
		"type": "object",
		"required": ["recipient", "capabilities"],
		"properties": {
			"recipient": {"type": "string", "minLength": 1},
			"capabilities": {"type": "array", "minItems": 1, "items": ` + ruleSchema + `},
			"reason": {"type": "string"},
			"expires_at": {"type": "string"}
		}
	}`,
	KindCapabilityGrantAck: `{
		"type": "object",
		"properties": {
			"status": {"type": "string"}
		}
	}`,
	KindCapabilityRevoke: `{
		"type": "object",
		"required": ["recipient", "capabilities"],
		"properties": {
			"recipient": {"type": "string", "minLength": 1},
			"capabilities": {"type": "array", "minItems": 1, "items": ` + ruleSchema + `}
		}
	}`,
	KindSpaceInvite: `{
		"type": "object",
		"required": ["participant_id"],
		"properties": {
			"participant_id": {"type": "string", "minLength": 1},
			"kind": {"type": "string"},
			"initial_capabilities": {"type": "array", "items": ` + ruleSchema + `},
			"reason": {"type": "string"}
		}
	}`,
	KindStreamRequest: `{
		"type": "object",
		"required": ["direction"],
		"properties": {
			"direction": {"enum": ["upload", "download"]},
			"description": {"type": "string"},
			"participants": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	KindStreamOpen: `{
		"type": "object",
		"required": ["stream_id", "direction"],
		"properties": {
			"stream_id": {"type": "string", "minLength": 1},
			"direction": {"enum": ["upload", "download"]}
		}
	}`,
	KindStreamClose: `{
		"type": "object",
		"required": ["stream_id"],
		"properties": {
			"stream_id": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compileAll() {
	compiled = make(map[string]*jsonschema.Schema, len(controlSchemas))
	c := jsonschema.NewCompiler()
	for kind, src := range controlSchemas {
		url := schemaURL(kind)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			compileErr = fmt.Errorf("schema for %s: %w", kind, err)
			return
		}
		if err := c.AddResource(url, doc); err != nil {
			compileErr = fmt.Errorf("schema for %s: %w", kind, err)
			return
		}
	}
	for kind := range controlSchemas {
		sch, err := c.Compile(schemaURL(kind))
		if err != nil {
			compileErr = fmt.Errorf("schema for %s: %w", kind, err)
			return
		}
		compiled[kind] = sch
	}
}

func schemaURL(kind string) string {
	return "https://mew.dev/schemas/" + strings.ReplaceAll(kind, "/", "-") + ".json"
}

// ValidateControl checks a control payload against its schema. Kinds the
// gateway does not interpret validate trivially.
func ValidateControl(kind string, payload []byte) error {
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return compileErr
	}
	sch, ok := compiled[kind]
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		return &ParseError{Field: "payload", Reason: "missing payload for " + kind}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &ParseError{Field: "payload", Reason: "not valid JSON"}
	}
	if err := sch.Validate(inst); err != nil {
		return &ParseError{Field: "payload", Reason: err.Error()}
	}
	return nil
}
