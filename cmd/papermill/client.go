package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// convertRequest mirrors the daemon's POST /convert and /builder body.
type convertRequest struct {
	Key        string `json:"key,omitempty"`
	URL        string `json:"url,omitempty"`
	Data       string `json:"data,omitempty"`
	FileType   string `json:"filetype,omitempty"`
	OutputType string `json:"outputtype,omitempty"`
	Title      string `json:"title,omitempty"`
	Password   string `json:"password,omitempty"`
	Codepage   int    `json:"codePage,omitempty"`
	Delimiter  int    `json:"delimiter,omitempty"`
	LCID       int    `json:"lcid,omitempty"`
	Async      bool   `json:"async,omitempty"`
}

type convertResponse struct {
	Key        string `json:"key,omitempty"`
	FileURL    string `json:"fileUrl,omitempty"`
	EndConvert bool   `json:"endConvert"`
	Error      int    `json:"error,omitempty"`
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(addr, token string) (*apiClient, error) {
	base, err := apiBaseURL(addr)
	if err != nil {
		return nil, err
	}
	return &apiClient{
		baseURL: base,
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// apiBaseURL normalizes a bind address into a dialable HTTP base URL. A bare
// port binding resolves to loopback.
func apiBaseURL(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("daemon API address is not configured")
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if host, rest, ok := strings.Cut(addr, ":"); ok && (host == "0.0.0.0" || host == "::" || host == "") {
		addr = "127.0.0.1:" + rest
	}
	return "http://" + addr, nil
}

func (c *apiClient) Convert(ctx context.Context, req convertRequest) (*convertResponse, error) {
	return c.postEpisode(ctx, "/convert", req)
}

func (c *apiClient) Builder(ctx context.Context, req convertRequest) (*convertResponse, error) {
	return c.postEpisode(ctx, "/builder", req)
}

func (c *apiClient) postEpisode(ctx context.Context, path string, req convertRequest) (*convertResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, wrapConnectError(err, c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.New("daemon rejected the API token; check paths.api_token")
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var out convertResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Healthcheck reports whether the daemon's stores answer queries.
func (c *apiClient) Healthcheck(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthcheck", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return false, wrapConnectError(err, c.baseURL)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(payload)) == "true", nil
}

func wrapConnectError(err error, baseURL string) error {
	return fmt.Errorf("connect to daemon at %s: %w (is papermilld running?)", baseURL, err)
}
