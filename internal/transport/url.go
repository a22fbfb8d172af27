package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DefaultURL is the public conversational agent endpoint.
const DefaultURL = "wss://api.elevenlabs.io/v1/convai/conversation"

// DefaultAPIBase is the REST base used to request signed URLs.
const DefaultAPIBase = "https://api.elevenlabs.io"

// AgentURL returns base with the agent_id query parameter set.
func AgentURL(base, agentID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: agent url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// FetchSignedURL asks the REST API for a pre-authorised WebSocket URL for
// agentID, so the upgrade request itself carries no API key.
func FetchSignedURL(ctx context.Context, client *http.Client, apiBase, agentID, apiKey string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimRight(apiBase, "/") + "/v1/convai/conversation/get_signed_url?agent_id=" + url.QueryEscape(agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("transport: signed url: %w", err)
	}
	req.Header.Set("xi-api-key", apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: signed url HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transport: signed url: unexpected status %d", resp.StatusCode)
	}
	var body signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("transport: signed url decode: %w", err)
	}
	if body.SignedURL == "" {
		return "", fmt.Errorf("transport: signed url: empty response")
	}
	return body.SignedURL, nil
}

// redact drops the query string, which may carry a signature.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
