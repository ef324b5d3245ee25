package capability

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Allows reports whether any rule in the set permits an envelope with the
// given kind, recipient list, and payload. It is the logical OR over the
// rule set; ordering is irrelevant and duplicates have no effect. The
// function is pure and needs no locking.
func Allows(rules []Rule, kind string, to []string, payload json.RawMessage) bool {
	var decoded map[string]interface{}
	var decodedOK bool
	for _, r := range rules {
		if !MatchKind(r.Kind, kind) {
			continue
		}
		if len(r.To) > 0 && !intersects(r.To, to) {
			continue
		}
		if len(r.Payload) > 0 {
			if !decodedOK {
				if len(payload) == 0 {
					continue
				}
				if err := json.Unmarshal(payload, &decoded); err != nil {
					continue
				}
				decodedOK = true
			}
			if !matchObject(r.Payload, decoded) {
				continue
			}
		}
		return true
	}
	return false
}

// MatchKind matches a kind pattern against a concrete kind. Patterns are
// segment-wise over "/": "*" matches exactly one segment, a trailing "**"
// matches one or more remaining segments, all other segments are literal.
// Thus "mcp/*" matches "mcp/request" but not "mcp/request/inner", while
// "mcp/**" matches both.
func MatchKind(pattern, kind string) bool {
	if pattern == kind {
		return true
	}
	ps := strings.Split(pattern, "/")
	ks := strings.Split(kind, "/")
	for i, seg := range ps {
		if seg == "**" {
			// Trailing ** swallows the rest; must consume at least one.
			return i == len(ps)-1 && len(ks) > i
		}
		if i >= len(ks) {
			return false
		}
		if seg == "*" {
			continue
		}
		if seg != ks[i] {
			return false
		}
	}
	return len(ps) == len(ks)
}

// Conflicts reports whether a revoke pattern covers a granted rule, i.e.
// revoking it should remove the grant. Coverage is structural: the revoke
// kind pattern matches (or equals) the granted kind, the revoke To list is
// absent or overlaps, and the revoke payload pattern is absent, equal, or a
// deep-subset match of the granted payload pattern.
func Conflicts(revoke, granted Rule) bool {
	if revoke.Kind != granted.Kind && !MatchKind(revoke.Kind, granted.Kind) {
		return false
	}
	if len(revoke.To) > 0 && !intersects(revoke.To, granted.To) {
		return false
	}
	if len(revoke.Payload) > 0 {
		if reflect.DeepEqual(revoke.Payload, granted.Payload) {
			return true
		}
		return matchObject(revoke.Payload, toInterfaceMap(granted.Payload))
	}
	return true
}

// matchObject requires every key in the pattern to appear in the value with
// a recursively matching entry.
func matchObject(pattern map[string]interface{}, value map[string]interface{}) bool {
	for k, pv := range pattern {
		vv, ok := value[k]
		if !ok {
			return false
		}
		if !matchValue(pv, vv) {
			return false
		}
	}
	return true
}

func matchValue(pattern, value interface{}) bool {
	switch p := pattern.(type) {
	case string:
		if strings.Contains(p, "*") {
			s, ok := value.(string)
			return ok && matchGlob(p, s)
		}
		s, ok := value.(string)
		return ok && s == p
	case map[string]interface{}:
		v, ok := value.(map[string]interface{})
		return ok && matchObject(p, v)
	case []interface{}:
		v, ok := value.([]interface{})
		if !ok {
			return false
		}
		// A single "**"-suffixed element matches any entry of the value
		// array; otherwise elements match by position.
		if len(p) == 1 {
			if s, ok := p[0].(string); ok && strings.HasSuffix(s, "**") {
				for _, entry := range v {
					if matchValue(s, entry) {
						return true
					}
				}
				return false
			}
		}
		if len(v) < len(p) {
			return false
		}
		for i, pe := range p {
			if !matchValue(pe, v[i]) {
				return false
			}
		}
		return true
	case float64:
		v, ok := value.(float64)
		return ok && v == p
	case bool:
		v, ok := value.(bool)
		return ok && v == p
	case nil:
		return value == nil
	default:
		return reflect.DeepEqual(pattern, value)
	}
}

// matchGlob matches a payload string glob: "**" matches any run of
// characters, "*" matches any run not containing "/".
func matchGlob(pattern, s string) bool {
	return globMatch(pattern, s)
}

func globMatch(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	if strings.HasPrefix(pattern, "**") {
		rest := pattern[2:]
		for i := 0; i <= len(s); i++ {
			if globMatch(rest, s[i:]) {
				return true
			}
		}
		return false
	}
	if pattern[0] == '*' {
		rest := pattern[1:]
		for i := 0; i <= len(s); i++ {
			if i > 0 && s[i-1] == '/' {
				break
			}
			if globMatch(rest, s[i:]) {
				return true
			}
		}
		return false
	}
	if s == "" || s[0] != pattern[0] {
		return false
	}
	return globMatch(pattern[1:], s[1:])
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func toInterfaceMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
