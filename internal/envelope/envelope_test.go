package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	data := []byte(`{
		"protocol": "mew/v0.4",
		"id": "env-1",
		"ts": "2026-08-25T10:00:00Z",
		"from": "alice",
		"to": ["bob", "carol"],
		"kind": "chat",
		"correlation_id": ["env-0"],
		"context": "trace-1",
		"payload": {"text": "hi"}
	}`)

	env, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, Protocol, env.Protocol)
	assert.Equal(t, "env-1", env.ID)
	assert.Equal(t, "alice", env.From)
	assert.Equal(t, []string{"bob", "carol"}, env.To)
	assert.Equal(t, "chat", env.Kind)
	assert.Equal(t, []string{"env-0"}, env.CorrelationID)
	assert.Equal(t, "trace-1", env.Context)
	assert.True(t, env.Correlates("env-0"))
	assert.False(t, env.Correlates("env-9"))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "hi", payload["text"])
}

func TestParseCorrelationSingleString(t *testing.T) {
	// Older producers send a bare string; it normalizes to a one-element list.
	env, err := Parse([]byte(`{"protocol":"mew/v0.4","kind":"chat","correlation_id":"env-0"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"env-0"}, env.CorrelationID)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
		field string
	}{
		{"not an object", `[1,2,3]`, ""},
		{"not json", `{{{`, ""},
		{"missing protocol", `{"kind":"chat"}`, "protocol"},
		{"missing kind", `{"protocol":"mew/v0.4"}`, "kind"},
		{"bad to", `{"protocol":"mew/v0.4","kind":"chat","to":"bob"}`, "to"},
		{"bad ts", `{"protocol":"mew/v0.4","kind":"chat","ts":"yesterday"}`, "ts"},
		{"bad correlation", `{"protocol":"mew/v0.4","kind":"chat","correlation_id":7}`, "correlation_id"},
		{"payload not object", `{"protocol":"mew/v0.4","kind":"chat","payload":"text"}`, "payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			require.Error(t, err)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.field, perr.Field)
		})
	}
}

func TestRoundTripPreservesUnknownFields(t *testing.T) {
	data := []byte(`{
		"protocol": "mew/v0.4",
		"id": "env-2",
		"from": "alice",
		"kind": "chat",
		"payload": {"text": "hi"},
		"x-trace": {"span": "abc", "depth": 3},
		"priority": 7
	}`)

	env, err := Parse(data)
	require.NoError(t, err)

	trace, ok := env.Extra("x-trace")
	require.True(t, ok)
	assert.JSONEq(t, `{"span":"abc","depth":3}`, string(trace))

	encoded, err := env.Encode()
	require.NoError(t, err)
	again, err := Parse(encoded)
	require.NoError(t, err)

	assert.Equal(t, env.ID, again.ID)
	assert.Equal(t, env.Kind, again.Kind)
	prio, ok := again.Extra("priority")
	require.True(t, ok)
	assert.Equal(t, "7", string(prio))
	assert.JSONEq(t, string(data), string(encoded))
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	env := &Envelope{Protocol: Protocol, ID: "e", Kind: "chat", From: "alice"}
	b, err := env.Encode()
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &m))
	assert.NotContains(t, m, "to")
	assert.NotContains(t, m, "correlation_id")
	assert.NotContains(t, m, "context")
	assert.NotContains(t, m, "ts")
	assert.NotContains(t, m, "payload")
}

func TestCloneIndependence(t *testing.T) {
	orig, err := Parse([]byte(`{"protocol":"mew/v0.4","kind":"chat","to":["bob"],"payload":{"a":1},"x":1}`))
	require.NoError(t, err)

	c := orig.Clone()
	c.To[0] = "mallory"
	c.Payload[2] = 'z'

	assert.Equal(t, "bob", orig.To[0])
	assert.JSONEq(t, `{"a":1}`, string(orig.Payload))
	_, ok := c.Extra("x")
	assert.True(t, ok)
}

func TestHashSensitivity(t *testing.T) {
	a := &Envelope{Kind: "chat", To: []string{"bob"}, Payload: json.RawMessage(`{"a":1}`)}
	b := &Envelope{Kind: "chat", To: []string{"bob"}, Payload: json.RawMessage(`{"a":1}`)}
	assert.Equal(t, a.Hash(), b.Hash())

	// To order does not matter.
	c := &Envelope{Kind: "chat", To: []string{"bob", "carol"}, Payload: json.RawMessage(`{"a":1}`)}
	d := &Envelope{Kind: "chat", To: []string{"carol", "bob"}, Payload: json.RawMessage(`{"a":1}`)}
	assert.Equal(t, c.Hash(), d.Hash())

	e := &Envelope{Kind: "chat", To: []string{"bob"}, Payload: json.RawMessage(`{"a":2}`)}
	assert.NotEqual(t, a.Hash(), e.Hash())
	f := &Envelope{Kind: "mcp/request", To: []string{"bob"}, Payload: json.RawMessage(`{"a":1}`)}
	assert.NotEqual(t, a.Hash(), f.Hash())
}

func TestParseTsFormats(t *testing.T) {
	env, err := Parse([]byte(`{"protocol":"mew/v0.4","kind":"chat","ts":"2026-08-25T10:00:00.123456789Z"}`))
	require.NoError(t, err)
	assert.Equal(t, 123456789, env.Ts.Nanosecond())

	env, err = Parse([]byte(`{"protocol":"mew/v0.4","kind":"chat","ts":"2026-08-25T10:00:00+02:00"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC), env.Ts.UTC())
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
