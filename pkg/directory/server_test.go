package directory

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anemochory/relay/internal/logging"
	"github.com/anemochory/relay/internal/metrics"
	"github.com/anemochory/relay/pkg/routing"
)

func testServer() (*Server, *routing.NodePool) {
	pool := routing.NewNodePool(routing.DefaultNodePoolConfig())
	log := logging.NewLogger(logging.LogConfig{Level: "error", Output: io.Discard})
	return NewServer(pool, log, metrics.NewPrometheusMetrics()), pool
}

func TestServerRegisterAndList(t *testing.T) {
	srv, _ := testServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.URL)
	if err := client.Register(routing.NodeInfo{ID: "n1", Address: "10.0.0.1:9001", Roles: []routing.NodeRole{routing.RoleEntry}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	nodes, err := client.ListNodes(routing.RoleEntry)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "n1" {
		t.Fatalf("ListNodes = %+v, want one node n1", nodes)
	}
}

func TestServerRegisterRejectsMissingFields(t *testing.T) {
	srv, _ := testServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/nodes/register", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestServerHeartbeatUnknownNode(t *testing.T) {
	srv, _ := testServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.URL)
	if err := client.Heartbeat("missing", 100); err == nil {
		t.Error("Heartbeat for unknown node should fail")
	}
}

func TestServerUnregister(t *testing.T) {
	srv, pool := testServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	pool.Register(routing.NodeInfo{ID: "n1", Address: "10.0.0.1:9001", Roles: []routing.NodeRole{routing.RoleExit}})

	client := NewClient(ts.URL)
	if err := client.Unregister("n1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := pool.Get("n1"); ok {
		t.Error("node should be gone after Unregister")
	}
}

func TestServerListNodesJSONShape(t *testing.T) {
	srv, pool := testServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	pool.Register(routing.NodeInfo{ID: "n1", Address: "10.0.0.1:9001", Roles: []routing.NodeRole{routing.RoleEntry}})

	resp, err := http.Get(ts.URL + "/nodes")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Nodes []routing.NodeInfo `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Nodes) != 1 {
		t.Fatalf("nodes len = %d, want 1", len(body.Nodes))
	}
}
