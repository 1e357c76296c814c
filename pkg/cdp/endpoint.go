package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// VersionInfo is the metadata document served by the endpoint at
// /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ResolveDebuggerURL turns a configured endpoint into a dialable debugger
// WebSocket URL. Endpoints already given as ws:// or wss:// URLs pass
// through untouched; anything else is treated as a host:port and resolved
// through the endpoint's /json/version document.
func ResolveDebuggerURL(ctx context.Context, endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint, nil
	}

	info, err := FetchVersion(ctx, endpoint)
	if err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("endpoint %s did not advertise a webSocketDebuggerUrl", endpoint)
	}
	return info.WebSocketDebuggerURL, nil
}

// FetchVersion retrieves the /json/version document from a host:port
// endpoint.
func FetchVersion(ctx context.Context, endpoint string) (*VersionInfo, error) {
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	url := fmt.Sprintf("http://%s/json/version", strings.TrimSuffix(endpoint, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build version request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: version probe returned %s", ErrNotConnected, resp.Status)
	}

	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode version document: %w", err)
	}
	return &info, nil
}
