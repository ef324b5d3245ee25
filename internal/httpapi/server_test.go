package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mewspace/gateway/internal/auth"
	"github.com/mewspace/gateway/internal/capability"
	"github.com/mewspace/gateway/internal/config"
	"github.com/mewspace/gateway/internal/envelope"
	"github.com/mewspace/gateway/internal/events"
	"github.com/mewspace/gateway/internal/metrics"
	"github.com/mewspace/gateway/internal/space"
	"github.com/mewspace/gateway/internal/stream"
)

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{
			Port:           "0",
			Env:            "development",
			EnableDevToken: true,
		},
		Spaces: []config.SpaceConfig{{
			Name:                "demo",
			MaxParticipants:     10,
			WelcomeHistoryLimit: 100,
			Participants: []config.ParticipantConfig{
				{
					ID: "alice", Kind: "human", Tokens: []string{"tok-alice"},
					Capabilities: []capability.Rule{
						{Kind: "chat"},
						{Kind: "stream/request"},
						{Kind: "space/invite"},
					},
				},
				{
					ID: "bob", Kind: "agent", Tokens: []string{"tok-bob"},
					Capabilities: []capability.Rule{{Kind: "chat"}},
				},
			},
		}},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	tokens := auth.NewStore()
	registry := space.NewRegistry(cfg, space.Deps{
		Metrics: metrics.NewForTest(),
		Bus:     events.NopBus{},
		Tokens:  tokens,
	})
	t.Cleanup(registry.Close)

	srv := NewServer(cfg, registry, tokens)
	ts := httptest.NewServer(srv.Router(cfg.Gateway.AllowedOrigins))
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v0/ws?space=demo"
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readKind reads envelopes off the socket until one of the wanted kind
// arrives, skipping presence noise and binary frames.
func readKind(t *testing.T, conn *websocket.Conn, kind string) *envelope.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := envelope.Parse(data)
		require.NoError(t, err)
		if env.Kind == kind {
			return env
		}
	}
	t.Fatalf("no %s envelope within deadline", kind)
	return nil
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType == websocket.BinaryMessage {
			return data
		}
	}
	t.Fatal("no binary frame within deadline")
	return nil
}

func sendEnv(t *testing.T, conn *websocket.Conn, env map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testConfig())
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, envelope.Protocol, body["protocol"])
}

func TestRateLimitStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig())
	resp, err := http.Get(ts.URL + "/debug/ratelimit")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 120, body["max_calls_per_min"])
	assert.EqualValues(t, 240, body["burst_size"])
	// This request itself opened a window.
	assert.GreaterOrEqual(t, body["active_windows"], float64(1))
}

func TestWebSocketSession(t *testing.T) {
	ts := newTestServer(t, testConfig())

	alice := dialWS(t, ts, "tok-alice")
	welcome := readKind(t, alice, envelope.KindSystemWelcome)
	var wp envelope.WelcomePayload
	require.NoError(t, json.Unmarshal(welcome.Payload, &wp))
	assert.Equal(t, "alice", wp.You)
	assert.Equal(t, "demo", wp.Space)

	bob := dialWS(t, ts, "tok-bob")
	readKind(t, bob, envelope.KindSystemWelcome)

	sendEnv(t, alice, map[string]interface{}{
		"protocol": envelope.Protocol,
		"kind":     "chat",
		"payload":  map[string]string{"text": "hi bob"},
	})

	chat := readKind(t, bob, "chat")
	assert.Equal(t, "alice", chat.From)
	assert.Contains(t, string(chat.Payload), "hi bob")
}

func TestWebSocketRejectsBadAuth(t *testing.T) {
	ts := newTestServer(t, testConfig())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v0/ws?space=demo"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Token in the query works for browser clients.
	conn, resp2, err := websocket.DefaultDialer.Dial(url+"&token=tok-alice", nil)
	require.NoError(t, err)
	if resp2 != nil {
		resp2.Body.Close()
	}
	conn.Close()
}

func TestWebSocketUnknownSpace(t *testing.T) {
	ts := newTestServer(t, testConfig())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?space=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer tok-alice"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketErrorReply(t *testing.T) {
	ts := newTestServer(t, testConfig())
	bob := dialWS(t, ts, "tok-bob")
	readKind(t, bob, envelope.KindSystemWelcome)

	// No capability for this kind.
	sendEnv(t, bob, map[string]interface{}{
		"protocol": envelope.Protocol,
		"kind":     "admin/shutdown",
		"payload":  map[string]string{},
	})
	errEnv := readKind(t, bob, envelope.KindSystemError)
	var ep envelope.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &ep))
	assert.Equal(t, envelope.ErrCapabilityViolation, ep.Error)

	// Unparseable input gets a malformed_envelope reply, not a dropped
	// connection.
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("not json")))
	errEnv = readKind(t, bob, envelope.KindSystemError)
	require.NoError(t, json.Unmarshal(errEnv.Payload, &ep))
	assert.Equal(t, envelope.ErrMalformedEnvelope, ep.Error)
}

func TestStreamFramesOverWebSocket(t *testing.T) {
	ts := newTestServer(t, testConfig())
	alice := dialWS(t, ts, "tok-alice")
	readKind(t, alice, envelope.KindSystemWelcome)
	bob := dialWS(t, ts, "tok-bob")
	readKind(t, bob, envelope.KindSystemWelcome)

	sendEnv(t, alice, map[string]interface{}{
		"protocol": envelope.Protocol,
		"id":       "req-1",
		"kind":     envelope.KindStreamRequest,
		"to":       []string{envelope.SystemParticipant},
		"payload": map[string]interface{}{
			"direction":    "upload",
			"participants": []string{"bob"},
		},
	})
	open := readKind(t, alice, envelope.KindStreamOpen)
	var op envelope.StreamOpenPayload
	require.NoError(t, json.Unmarshal(open.Payload, &op))

	frame, err := stream.EncodeFrame(op.StreamID, []byte("payload-bytes"))
	require.NoError(t, err)
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, frame))

	got := readBinary(t, bob)
	sid, data, err := stream.DecodeFrame(got)
	require.NoError(t, err)
	assert.Equal(t, op.StreamID, sid)
	assert.Equal(t, []byte("payload-bytes"), data)
}

func TestInjectMatchesWebSocketSemantics(t *testing.T) {
	ts := newTestServer(t, testConfig())
	bob := dialWS(t, ts, "tok-bob")
	readKind(t, bob, envelope.KindSystemWelcome)

	body := `{"protocol":"mew/v0.4","kind":"chat","payload":{"text":"via http"}}`
	req, _ := http.NewRequest(http.MethodPost,
		ts.URL+"/participants/alice/messages?space=demo", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "accepted", out["status"])
	assert.NotEmpty(t, out["id"])

	chat := readKind(t, bob, "chat")
	assert.Equal(t, "alice", chat.From)
	assert.Equal(t, out["id"], chat.ID)
}

func TestInjectRejections(t *testing.T) {
	ts := newTestServer(t, testConfig())

	post := func(path, token, body string) (*http.Response, map[string]string) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewBufferString(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]string
		json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	// Capability violation surfaces the admission code.
	resp, out := post("/participants/bob/messages?space=demo", "tok-bob",
		`{"protocol":"mew/v0.4","kind":"admin/shutdown","payload":{}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "rejected", out["status"])
	assert.Equal(t, envelope.ErrCapabilityViolation, out["error"])

	// The token must belong to the path participant.
	resp, _ = post("/participants/alice/messages?space=demo", "tok-bob",
		`{"protocol":"mew/v0.4","kind":"chat","payload":{}}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, out = post("/participants/alice/messages?space=demo", "tok-alice", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, envelope.ErrMalformedEnvelope, out["error"])

	resp, _ = post("/participants/alice/messages?space=demo", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = post("/participants/alice/messages", "tok-alice", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRosterEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig())
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v0/topics/demo/participants", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Space        string              `json:"space"`
		Participants []space.RosterEntry `json:"participants"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "demo", out.Space)
	require.Len(t, out.Participants, 2)
	assert.Equal(t, "alice", out.Participants[0].ID)

	// No auth, no roster.
	resp2, err := http.Get(ts.URL + "/v0/topics/demo/participants")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig())
	alice := dialWS(t, ts, "tok-alice")
	readKind(t, alice, envelope.KindSystemWelcome)

	for _, text := range []string{"one", "two", "three"} {
		sendEnv(t, alice, map[string]interface{}{
			"protocol": envelope.Protocol,
			"kind":     "chat",
			"payload":  map[string]string{"text": text},
		})
	}
	// The join presence plus three chats are recorded; give the reader a
	// moment since ingress is async from this test's perspective.
	time.Sleep(100 * time.Millisecond)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v0/topics/demo/history?limit=2", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Count     int               `json:"count"`
		Envelopes []json.RawMessage `json:"envelopes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out.Count)
	require.Len(t, out.Envelopes, 2)

	last, err := envelope.Parse(out.Envelopes[1])
	require.NoError(t, err)
	assert.Equal(t, "chat", last.Kind)
	assert.Contains(t, string(last.Payload), "three")
}

func TestInviteEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig())

	body := `{"participant_id":"dave","kind":"agent","initial_capabilities":[{"kind":"chat"}]}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/topics/demo/participants",
		bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "created", out["status"])
	assert.Equal(t, "dave", out["participant_id"])
	require.NotEmpty(t, out["token"])

	// The minted token opens a session.
	conn := dialWS(t, ts, out["token"])
	welcome := readKind(t, conn, envelope.KindSystemWelcome)
	var wp envelope.WelcomePayload
	require.NoError(t, json.Unmarshal(welcome.Payload, &wp))
	assert.Equal(t, "dave", wp.You)

	// Duplicate invite conflicts.
	req2, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/topics/demo/participants",
		bytes.NewBufferString(body))
	req2.Header.Set("Authorization", "Bearer tok-alice")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestDevTokenEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig())

	body := `{"space":"demo","participant_id":"bob"}`
	resp, err := http.Post(ts.URL+"/v0/auth/token", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	token, _ := out["token"].(string)
	require.NotEmpty(t, token)

	conn := dialWS(t, ts, token)
	welcome := readKind(t, conn, envelope.KindSystemWelcome)
	var wp envelope.WelcomePayload
	require.NoError(t, json.Unmarshal(welcome.Payload, &wp))
	assert.Equal(t, "bob", wp.You)

	// Unknown rows cannot be minted for.
	resp2, err := http.Post(ts.URL+"/v0/auth/token", "application/json",
		bytes.NewBufferString(`{"space":"demo","participant_id":"ghost"}`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestDevTokenDisabledInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Env = "production"
	ts := newTestServer(t, cfg)

	resp, err := http.Post(ts.URL+"/v0/auth/token", "application/json",
		bytes.NewBufferString(`{"space":"demo","participant_id":"bob"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
