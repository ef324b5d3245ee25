// Package capability implements structural pattern matching over envelopes.
//
// A capability rule grants the act of producing envelopes that match it.
// Every admission decision in the gateway, from chat to MCP calls to
// grants and stream opens, routes through this one predicate, so
// the security surface is auditable in a single module.
package capability

import "encoding/json"

// Rule is a structural pattern over an envelope.
//
// Kind is a pattern over the envelope kind: "*" matches a single
// separator-free segment, a trailing "**" matches one or more trailing
// segments, anything else is literal. To, when set, restricts the rule to
// envelopes addressing at least one of the listed participants; broadcast
// envelopes never satisfy a To-restricted rule. Payload, when set, is a
// nested partial pattern matched in the deep-subset sense.
type Rule struct {
	Kind    string                 `json:"kind"`
	To      []string               `json:"to,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ParseRules decodes a JSON list of rules.
func ParseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// Summary renders a compact human-readable form of a rule set, used in
// welcome rosters and capability_violation details. Tokens and payload
// internals are never included.
func Summary(rules []Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		s := r.Kind
		if len(r.To) > 0 || len(r.Payload) > 0 {
			s += " (restricted)"
		}
		out = append(out, s)
	}
	return out
}
