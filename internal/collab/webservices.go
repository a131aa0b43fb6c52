package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// WebServicesClient is a thin JSON-over-HTTP client against the
// PR↔version tracking service.
type WebServicesClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewWebServicesClient builds a client against baseURL, authenticated
// with apiKey via a bearer header. Returns nil if baseURL is empty.
func NewWebServicesClient(baseURL, apiKey string) *WebServicesClient {
	if baseURL == "" {
		return nil
	}
	return &WebServicesClient{baseURL: baseURL, apiKey: apiKey, httpClient: &http.Client{Timeout: 15 * time.Second}}
}

type registerPrRequest struct {
	InternalName string `json:"internalName"`
	PR           int    `json:"pr"`
}

func (c *WebServicesClient) RegisterPrNumber(ctx context.Context, internalName string, pr int) error {
	return c.postJSON(ctx, "/plugins/pr", registerPrRequest{InternalName: internalName, PR: pr}, nil)
}

type getPrResponse struct {
	PR    int  `json:"pr"`
	Found bool `json:"found"`
}

func (c *WebServicesClient) GetPrNumber(ctx context.Context, internalName string) (int, bool, error) {
	var resp getPrResponse
	u := fmt.Sprintf("%s/plugins/pr?internalName=%s", c.baseURL, url.QueryEscape(internalName))
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return 0, false, err
	}
	return resp.PR, resp.Found, nil
}

type registerMessageRequest struct {
	InternalName string `json:"internalName"`
	MessageID    string `json:"messageId"`
}

func (c *WebServicesClient) RegisterMessageId(ctx context.Context, internalName, messageID string) error {
	return c.postJSON(ctx, "/plugins/messages", registerMessageRequest{InternalName: internalName, MessageID: messageID}, nil)
}

type getMessagesResponse struct {
	MessageIDs []string `json:"messageIds"`
}

func (c *WebServicesClient) GetMessageIds(ctx context.Context, internalName string) ([]string, error) {
	var resp getMessagesResponse
	u := fmt.Sprintf("%s/plugins/messages?internalName=%s", c.baseURL, url.QueryEscape(internalName))
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	return resp.MessageIDs, nil
}

func (c *WebServicesClient) StagePluginBuild(ctx context.Context, info PluginBuildInfo) error {
	return c.postJSON(ctx, "/plugins/builds", info, nil)
}

func (c *WebServicesClient) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	return c.do(req, out)
}

func (c *WebServicesClient) getJSON(ctx context.Context, fullURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", fullURL, err)
	}
	return c.do(req, out)
}

func (c *WebServicesClient) do(req *http.Request, out any) error {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("web-services request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("web-services returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding web-services response: %w", err)
	}
	return nil
}
