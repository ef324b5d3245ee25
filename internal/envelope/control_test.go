package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateControl(t *testing.T) {
	cases := []struct {
		name    string
		kind    string
		payload string
		ok      bool
	}{
		{"grant ok", KindCapabilityGrant,
			`{"recipient":"bob","capabilities":[{"kind":"mcp/*"}]}`, true},
		{"grant missing recipient", KindCapabilityGrant,
			`{"capabilities":[{"kind":"mcp/*"}]}`, false},
		{"grant empty capabilities", KindCapabilityGrant,
			`{"recipient":"bob","capabilities":[]}`, false},
		{"grant rule without kind", KindCapabilityGrant,
			`{"recipient":"bob","capabilities":[{"to":["x"]}]}`, false},
		{"revoke ok", KindCapabilityRevoke,
			`{"recipient":"bob","capabilities":[{"kind":"mcp/**"}]}`, true},
		{"invite ok", KindSpaceInvite,
			`{"participant_id":"dave","kind":"agent"}`, true},
		{"invite missing id", KindSpaceInvite, `{"kind":"agent"}`, false},
		{"stream request ok", KindStreamRequest, `{"direction":"upload"}`, true},
		{"stream request bad direction", KindStreamRequest, `{"direction":"sideways"}`, false},
		{"stream open ok", KindStreamOpen,
			`{"stream_id":"s1","direction":"download"}`, true},
		{"stream open missing id", KindStreamOpen, `{"direction":"download"}`, false},
		{"stream close ok", KindStreamClose, `{"stream_id":"s1","reason":"done"}`, true},
		{"uninterpreted kind passes", "chat", `{"anything":true}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateControl(tc.kind, []byte(tc.payload))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDecodeControlGrant(t *testing.T) {
	var gp GrantPayload
	err := DecodeControl(KindCapabilityGrant, json.RawMessage(
		`{"recipient":"bob","capabilities":[{"kind":"mcp/*","to":["tool-agent"]}],"reason":"demo"}`), &gp)
	require.NoError(t, err)
	assert.Equal(t, "bob", gp.Recipient)
	require.Len(t, gp.Capabilities, 1)
	assert.Equal(t, "mcp/*", gp.Capabilities[0].Kind)
	assert.Equal(t, []string{"tool-agent"}, gp.Capabilities[0].To)
	assert.Equal(t, "demo", gp.Reason)
}

func TestDecodeControlMissingPayload(t *testing.T) {
	var gp GrantPayload
	err := DecodeControl(KindCapabilityGrant, nil, &gp)
	require.Error(t, err)
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}
