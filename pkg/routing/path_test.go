package routing

import (
	"testing"
	"time"
)

func seedPool(t *testing.T, pool *NodePool, n int, role NodeRole, operatorPrefix string) {
	t.Helper()
	for i := 0; i < n; i++ {
		pool.Register(NodeInfo{
			ID:        string(role) + string(rune('0'+i)),
			Address:   "10.0.0.1:9001",
			Roles:     []NodeRole{role},
			Operator:  operatorPrefix + string(rune('0'+i)),
			Geography: "region-" + string(rune('0'+i)),
			Bandwidth: 1000,
		})
	}
}

func TestBuildPathFullDiversity(t *testing.T) {
	pool := NewNodePool(DefaultNodePoolConfig())
	seedPool(t, pool, 5, RoleEntry, "op-entry-")
	seedPool(t, pool, 5, RoleMiddle, "op-middle-")
	seedPool(t, pool, 5, RoleExit, "op-exit-")

	path, relaxed, err := BuildPath(pool, 3)
	if err != nil {
		t.Fatalf("BuildPath: %v", err)
	}
	if relaxed {
		t.Error("ample diverse nodes should not require relaxation")
	}
	if len(path) != 3 {
		t.Fatalf("path len = %d, want 3", len(path))
	}

	seen := make(map[string]bool)
	for _, n := range path {
		if seen[n.Operator] {
			t.Errorf("operator %s appears more than once in the path", n.Operator)
		}
		seen[n.Operator] = true
	}
}

func TestBuildPathFailsWithNoEntryNodes(t *testing.T) {
	pool := NewNodePool(DefaultNodePoolConfig())
	seedPool(t, pool, 5, RoleMiddle, "op-middle-")
	seedPool(t, pool, 5, RoleExit, "op-exit-")

	if _, _, err := BuildPath(pool, 3); err == nil {
		t.Error("BuildPath with no entry nodes should fail")
	}
}

func TestBuildPathRelaxesWhenOperatorsScarce(t *testing.T) {
	pool := NewNodePool(DefaultNodePoolConfig())
	// Every entry/middle/exit node shares the same operator, forcing
	// relaxation since strict operator diversity is unsatisfiable.
	pool.Register(NodeInfo{ID: "e1", Roles: []NodeRole{RoleEntry}, Operator: "only-operator", Geography: "r1", Bandwidth: 100})
	pool.Register(NodeInfo{ID: "m1", Roles: []NodeRole{RoleMiddle}, Operator: "only-operator", Geography: "r2", Bandwidth: 100})
	pool.Register(NodeInfo{ID: "x1", Roles: []NodeRole{RoleExit}, Operator: "only-operator", Geography: "r3", Bandwidth: 100})

	path, relaxed, err := BuildPath(pool, 3)
	if err != nil {
		t.Fatalf("BuildPath: %v", err)
	}
	if !relaxed {
		t.Error("expected diversity relaxation to have been needed")
	}
	if len(path) != 3 {
		t.Fatalf("path len = %d, want 3", len(path))
	}
}

// TestBuildPathRelaxesOperatorBeforeGeography pins every node to the
// same operator but gives each a distinct geography: the only way to
// reach hopCount nodes is to relax the operator constraint, and a
// correct relaxation order never needs to touch geography to do it.
// If geography were relaxed first instead (as it once was), the
// resulting path could repeat a geography it didn't have to.
func TestBuildPathRelaxesOperatorBeforeGeography(t *testing.T) {
	pool := NewNodePool(DefaultNodePoolConfig())
	pool.Register(NodeInfo{ID: "e1", Roles: []NodeRole{RoleEntry}, Operator: "only-operator", Geography: "r1", Bandwidth: 100})
	pool.Register(NodeInfo{ID: "e2", Roles: []NodeRole{RoleEntry}, Operator: "only-operator", Geography: "r2", Bandwidth: 100})
	pool.Register(NodeInfo{ID: "m1", Roles: []NodeRole{RoleMiddle}, Operator: "only-operator", Geography: "r3", Bandwidth: 100})
	pool.Register(NodeInfo{ID: "m2", Roles: []NodeRole{RoleMiddle}, Operator: "only-operator", Geography: "r4", Bandwidth: 100})
	pool.Register(NodeInfo{ID: "x1", Roles: []NodeRole{RoleExit}, Operator: "only-operator", Geography: "r5", Bandwidth: 100})
	pool.Register(NodeInfo{ID: "x2", Roles: []NodeRole{RoleExit}, Operator: "only-operator", Geography: "r6", Bandwidth: 100})

	for i := 0; i < 20; i++ {
		path, relaxed, err := BuildPath(pool, 3)
		if err != nil {
			t.Fatalf("BuildPath: %v", err)
		}
		if !relaxed {
			t.Fatal("expected diversity relaxation to have been needed")
		}

		seenGeo := make(map[string]bool)
		for _, n := range path {
			if seenGeo[n.Geography] {
				t.Fatalf("geography %s repeated in path %v: operator should relax before geography", n.Geography, path)
			}
			seenGeo[n.Geography] = true
		}
	}
}

func TestNodePoolHeartbeatAndStaleSweep(t *testing.T) {
	pool := NewNodePool(NodePoolConfig{StaleAfter: 10 * time.Millisecond, CleanupInterval: time.Hour})
	pool.Register(NodeInfo{ID: "n1", Roles: []NodeRole{RoleEntry}})

	if !pool.Heartbeat("n1", 500) {
		t.Fatal("Heartbeat on registered node should succeed")
	}
	if pool.Heartbeat("missing", 500) {
		t.Error("Heartbeat on unknown node should fail")
	}

	time.Sleep(20 * time.Millisecond)
	pool.markStale()

	online := pool.ListOnline(RoleEntry)
	if len(online) != 0 {
		t.Error("node past StaleAfter should no longer be listed online")
	}
}
