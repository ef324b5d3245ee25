package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
gateway:
  port: "9090"
  env: production
  allowed_origins:
    - https://app.example.com
  enable_dev_token: true
spaces:
  - name: demo
    max_participants: 10
    history_limit: 200
    heartbeat_seconds: 15
    grant_ack_timeout_seconds: 30
    participants:
      - id: alice
        name: Alice
        kind: human
        tokens: ["tok-alice"]
        capabilities:
          - kind: chat
          - kind: mcp/request
            to: [tool-agent]
            payload:
              method: tools/call
              params:
                name: "read_*"
      - id: observer
        kind: agent
        observes:
          - kind: "**"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Gateway.Port)
	assert.Equal(t, "production", cfg.Gateway.Env)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Gateway.AllowedOrigins)

	require.Len(t, cfg.Spaces, 1)
	sp := cfg.Spaces[0]
	assert.Equal(t, "demo", sp.Name)
	assert.Equal(t, 10, sp.MaxParticipants)
	assert.Equal(t, 15*time.Second, sp.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, sp.GrantAckTimeout())

	require.Len(t, sp.Participants, 2)
	alice := sp.Participants[0]
	require.Len(t, alice.Capabilities, 2)

	// YAML payload patterns normalize to the shape the matcher compares
	// against JSON-decoded envelope payloads.
	payload := alice.Capabilities[1].Payload
	params, ok := payload["params"].(map[string]interface{})
	require.True(t, ok, "nested maps must be map[string]interface{}, got %T", payload["params"])
	assert.Equal(t, "read_*", params["name"])

	assert.Len(t, sp.Participants[1].Observes, 1)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
spaces:
  - name: demo
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Gateway.Port)
	assert.Equal(t, "development", cfg.Gateway.Env)
	sp := cfg.Spaces[0]
	assert.Equal(t, DefaultMaxParticipants, sp.MaxParticipants)
	assert.Equal(t, DefaultHeartbeatInterval, sp.HeartbeatInterval())
	assert.Equal(t, DefaultSlowConsumerBudget, sp.SlowConsumerBudget())
	assert.Equal(t, DefaultGrantAckTimeout, sp.GrantAckTimeout())
	assert.Equal(t, DefaultStreamOpenTimeout, sp.StreamOpenTimeout())
	assert.Equal(t, DefaultWelcomeHistoryLimit, sp.WelcomeHistoryLimit)
}

func TestLoadRejectsDuplicates(t *testing.T) {
	_, err := Load(writeConfig(t, `
spaces:
  - name: demo
  - name: demo
`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `
spaces:
  - name: demo
    participants:
      - id: alice
      - id: alice
`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `
spaces:
  - name: ""
`))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestIntPayloadValuesWiden(t *testing.T) {
	path := writeConfig(t, `
spaces:
  - name: demo
    participants:
      - id: alice
        capabilities:
          - kind: chat
            payload:
              level: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	payload := cfg.Spaces[0].Participants[0].Capabilities[0].Payload
	assert.Equal(t, float64(3), payload["level"])
}
