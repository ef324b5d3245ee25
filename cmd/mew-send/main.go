// mew-send injects a single envelope through the gateway's HTTP admission
// endpoint. Useful for scripting and smoke checks without holding a
// WebSocket open.
//
//	mew-send -gateway http://localhost:8080 -space demo -from alice \
//	    -token $TOKEN -kind chat -payload '{"text":"hi"}'
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mewspace/gateway/internal/envelope"
)

func main() {
	gateway := flag.String("gateway", "http://localhost:8080", "gateway base URL")
	spaceName := flag.String("space", "", "space (topic) name")
	from := flag.String("from", "", "sending participant id")
	token := flag.String("token", os.Getenv("MEW_TOKEN"), "bearer token (or MEW_TOKEN)")
	kind := flag.String("kind", "chat", "envelope kind")
	to := flag.String("to", "", "comma-separated recipient ids, empty for broadcast")
	correlate := flag.String("correlate", "", "comma-separated correlation envelope ids")
	payload := flag.String("payload", "{}", "payload JSON, or @file, or - for stdin")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	if *spaceName == "" || *from == "" {
		fmt.Fprintln(os.Stderr, "mew-send: -space and -from are required")
		flag.Usage()
		os.Exit(2)
	}

	raw, err := readPayload(*payload)
	if err != nil {
		fatal("read payload: %v", err)
	}
	if !json.Valid(raw) {
		fatal("payload is not valid JSON")
	}

	env := map[string]interface{}{
		"protocol": envelope.Protocol,
		"kind":     *kind,
		"payload":  json.RawMessage(raw),
	}
	if *to != "" {
		env["to"] = splitList(*to)
	}
	if *correlate != "" {
		env["correlation_id"] = splitList(*correlate)
	}

	body, err := json.Marshal(env)
	if err != nil {
		fatal("encode envelope: %v", err)
	}

	url := fmt.Sprintf("%s/participants/%s/messages?space=%s", *gateway, *from, *spaceName)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		fatal("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		fatal("send: %v", err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(out)))
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func readPayload(arg string) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(os.Stdin)
	case strings.HasPrefix(arg, "@"):
		return os.ReadFile(arg[1:])
	default:
		return []byte(arg), nil
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "mew-send: "+format+"\n", args...)
	os.Exit(1)
}
