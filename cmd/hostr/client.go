package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// APIClient provides HTTP client functionality to communicate with the hostr
// daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// do issues a request and decodes the JSON response into out (when non-nil).
// Non-2xx responses are turned into errors carrying the daemon's message.
func (c *APIClient) do(method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			return fmt.Errorf("API error: status %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *APIClient) CreateOwner(id int64, plan string) error {
	return c.do(http.MethodPost, "/owners", map[string]any{"id": id, "plan": plan}, nil)
}

func (c *APIClient) CreateInstance(ownerID int64, name, entryFile string) (map[string]any, error) {
	var out map[string]any
	err := c.do(http.MethodPost, "/instances", map[string]any{
		"owner_id": ownerID, "name": name, "entry_file": entryFile,
	}, &out)
	return out, err
}

func (c *APIClient) ListInstances(ownerID int64) ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(http.MethodGet, fmt.Sprintf("/instances?owner=%d", ownerID), nil, &out)
	return out, err
}

func (c *APIClient) GetInstance(id int64) (map[string]any, error) {
	var out map[string]any
	err := c.do(http.MethodGet, fmt.Sprintf("/instances/%d", id), nil, &out)
	return out, err
}

func (c *APIClient) DeleteInstance(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/instances/%d", id), nil, nil)
}

func (c *APIClient) StartInstance(id int64) error {
	return c.do(http.MethodPost, fmt.Sprintf("/instances/%d/start", id), nil, nil)
}

func (c *APIClient) StopInstance(id int64) error {
	return c.do(http.MethodPost, fmt.Sprintf("/instances/%d/stop", id), nil, nil)
}

func (c *APIClient) AddTime(id, seconds int64) (map[string]any, error) {
	var out map[string]any
	err := c.do(http.MethodPost, fmt.Sprintf("/instances/%d/addtime", id),
		map[string]any{"seconds": seconds}, &out)
	return out, err
}

func (c *APIClient) RecoverInstance(id int64) (map[string]any, error) {
	var out map[string]any
	err := c.do(http.MethodPost, fmt.Sprintf("/instances/%d/recover", id), nil, &out)
	return out, err
}

func (c *APIClient) Logs(id int64, limit int) ([]map[string]any, error) {
	path := fmt.Sprintf("/instances/%d/logs", id)
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out []map[string]any
	err := c.do(http.MethodGet, path, nil, &out)
	return out, err
}

func (c *APIClient) Usage(id int64) (map[string]any, error) {
	var out map[string]any
	err := c.do(http.MethodGet, fmt.Sprintf("/instances/%d/usage", id), nil, &out)
	return out, err
}
