// Package directory implements the HTTP node-directory service: nodes
// register themselves and heartbeat their liveness; clients query it to
// learn the current node pool before selecting a path.
package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anemochory/relay/pkg/routing"
)

// Client queries a directory service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a directory client against baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ListNodes retrieves every node the directory currently knows about.
// An empty role matches nodes of every role.
func (c *Client) ListNodes(role routing.NodeRole) ([]routing.NodeInfo, error) {
	url := c.baseURL + "/nodes"
	if role != "" {
		url += "?role=" + string(role)
	}

	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("directory: list nodes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("directory: list nodes failed: %s - %s", resp.Status, string(body))
	}

	var result struct {
		Nodes []routing.NodeInfo `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("directory: decode list response: %w", err)
	}
	return result.Nodes, nil
}

// Register publishes this node's info to the directory.
func (c *Client) Register(info routing.NodeInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("directory: marshal node info: %w", err)
	}

	resp, err := c.httpClient.Post(c.baseURL+"/nodes/register", "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("directory: register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("directory: register failed: %s - %s", resp.Status, string(body))
	}
	return nil
}

// Heartbeat reports this node is still alive, with its current
// advertised bandwidth.
func (c *Client) Heartbeat(nodeID string, bandwidth int64) error {
	update := map[string]interface{}{"id": nodeID, "bandwidth": bandwidth}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("directory: marshal heartbeat: %w", err)
	}

	req, err := http.NewRequest(http.MethodPut, c.baseURL+"/nodes/heartbeat", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("directory: build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory: heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("directory: heartbeat failed: %s - %s", resp.Status, string(body))
	}
	return nil
}

// Unregister removes this node from the directory, e.g. on graceful
// shutdown.
func (c *Client) Unregister(nodeID string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/nodes/"+nodeID, nil)
	if err != nil {
		return fmt.Errorf("directory: build unregister request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory: unregister: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("directory: unregister failed: %s - %s", resp.Status, string(body))
	}
	return nil
}

// StartHeartbeatLoop sends a heartbeat every interval until stop is
// closed, logging nothing itself — callers wire in their own logger.
func (c *Client) StartHeartbeatLoop(nodeID string, bandwidth func() int64, interval time.Duration, stop <-chan struct{}, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Heartbeat(nodeID, bandwidth()); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
