package routing

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// maxDiversityAttempts bounds how many rejection-sampling draws are
// tried at each relaxation level before giving up and relaxing
// further.
const maxDiversityAttempts = 50

// BuildPath selects hopCount nodes for a path: one entry, one exit,
// and hopCount-2 middle nodes, weighted by advertised bandwidth and
// constrained to avoid repeating an operator or a geography across
// hops. Diversity is enforced best-effort, relaxing in the order
// operator, then geography, before the build fails outright with
// FaultInsufficientDiversity.
func BuildPath(pool *NodePool, hopCount int) ([]NodeInfo, bool, error) {
	entries := pool.ListOnline(RoleEntry)
	middles := pool.ListOnline(RoleMiddle)
	exits := pool.ListOnline(RoleExit)

	if len(entries) == 0 {
		return nil, false, fmt.Errorf("routing: no entry nodes available")
	}
	if len(exits) == 0 {
		return nil, false, fmt.Errorf("routing: no exit nodes available")
	}
	if hopCount > 2 && len(middles) < hopCount-2 {
		return nil, false, fmt.Errorf("routing: not enough middle nodes for %d hops", hopCount)
	}

	constraints := []struct {
		enforceOperator  bool
		enforceGeography bool
	}{
		{enforceOperator: true, enforceGeography: true},
		{enforceOperator: false, enforceGeography: true},
		{enforceOperator: false, enforceGeography: false},
	}

	for i, c := range constraints {
		path, ok := tryBuildPath(entries, middles, exits, hopCount, c.enforceOperator, c.enforceGeography)
		if ok {
			relaxed := i > 0
			return path, relaxed, nil
		}
	}

	return nil, false, FaultInsufficientDiversityErr
}

// FaultInsufficientDiversityErr is the error BuildPath returns when no
// combination of relaxations could produce a path; callers typically
// map this straight onto onion.FaultInsufficientDiversity.
var FaultInsufficientDiversityErr = fmt.Errorf("routing: insufficient diversity to build path")

func tryBuildPath(entries, middles, exits []NodeInfo, hopCount int, enforceOperator, enforceGeography bool) ([]NodeInfo, bool) {
	for attempt := 0; attempt < maxDiversityAttempts; attempt++ {
		path := make([]NodeInfo, 0, hopCount)
		usedOperators := make(map[string]bool)
		usedGeos := make(map[string]bool)

		entry, ok := weightedPick(entries, usedOperators, usedGeos, enforceOperator, enforceGeography)
		if !ok {
			continue
		}
		path = append(path, entry)
		mark(entry, usedOperators, usedGeos)

		failed := false
		for i := 0; i < hopCount-2; i++ {
			middle, ok := weightedPick(middles, usedOperators, usedGeos, enforceOperator, enforceGeography)
			if !ok {
				failed = true
				break
			}
			path = append(path, middle)
			mark(middle, usedOperators, usedGeos)
		}
		if failed {
			continue
		}

		exit, ok := weightedPick(exits, usedOperators, usedGeos, enforceOperator, enforceGeography)
		if !ok {
			continue
		}
		path = append(path, exit)

		return path, true
	}
	return nil, false
}

func mark(n NodeInfo, usedOperators, usedGeos map[string]bool) {
	usedOperators[n.Operator] = true
	usedGeos[n.Geography] = true
}

// weightedPick draws one node from candidates, weighted by advertised
// bandwidth (nodes with zero or negative bandwidth get a minimal
// floor weight so they remain selectable), skipping any that violate
// the active diversity constraints.
func weightedPick(candidates []NodeInfo, usedOperators, usedGeos map[string]bool, enforceOperator, enforceGeography bool) (NodeInfo, bool) {
	eligible := make([]NodeInfo, 0, len(candidates))
	for _, n := range candidates {
		if enforceOperator && usedOperators[n.Operator] {
			continue
		}
		if enforceGeography && usedGeos[n.Geography] {
			continue
		}
		eligible = append(eligible, n)
	}
	if len(eligible) == 0 {
		return NodeInfo{}, false
	}

	weights := make([]int64, len(eligible))
	var total int64
	for i, n := range eligible {
		w := n.Bandwidth
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	draw, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return eligible[0], true
	}
	target := draw.Int64()
	for i, w := range weights {
		if target < w {
			return eligible[i], true
		}
		target -= w
	}
	return eligible[len(eligible)-1], true
}
