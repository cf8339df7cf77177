package pipeline

import (
	"fmt"
	"slices"
)

// Sequence linearises the graph into an execution order in which every node
// comes after all of its upstream nodes.
//
// Roots are taken in node order and upstream nodes are visited in connection
// order, so independent nodes keep their relative collection order. The
// visited set stops recursion on cyclic graphs, but the order of nodes that
// sit on a cycle is then unspecified. Connections naming missing nodes are
// skipped.
func Sequence(nodes []Node, conns []Connection) []Node {
	byID := make(map[string]int, len(nodes))
	for i, n := range nodes {
		byID[n.ID] = i
	}
	upstream := make(map[string][]string, len(nodes))
	for _, c := range conns {
		upstream[c.TargetID] = append(upstream[c.TargetID], c.SourceID)
	}

	out := make([]Node, 0, len(nodes))
	visited := make(map[string]bool, len(nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		i, ok := byID[id]
		if !ok {
			return
		}
		visited[id] = true
		for _, up := range upstream[id] {
			visit(up)
		}
		out = append(out, nodes[i])
	}

	for _, n := range nodes {
		visit(n.ID)
	}
	return out
}

// DetectCycle returns ErrCycleDetected when the connections form a cycle.
func DetectCycle(nodes []Node, conns []Connection) error {
	adj := make(map[string][]string)
	for _, c := range conns {
		adj[c.SourceID] = append(adj[c.SourceID], c.TargetID)
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)

	// Walk nodes in collection order first, then ids only seen on edges,
	// so the reported node is stable.
	var ids []string
	state := make(map[string]int)
	for _, n := range nodes {
		if _, ok := state[n.ID]; !ok {
			state[n.ID] = unvisited
			ids = append(ids, n.ID)
		}
	}
	for _, c := range conns {
		for _, id := range []string{c.SourceID, c.TargetID} {
			if _, ok := state[id]; !ok {
				state[id] = unvisited
				ids = append(ids, id)
			}
		}
	}

	var dfs func(id string) string
	dfs = func(id string) string {
		state[id] = visiting
		for _, next := range adj[id] {
			switch state[next] {
			case visiting:
				return next
			case unvisited:
				if hit := dfs(next); hit != "" {
					return hit
				}
			}
		}
		state[id] = visited
		return ""
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if hit := dfs(id); hit != "" {
				return fmt.Errorf("%w: through node %s", ErrCycleDetected, hit)
			}
		}
	}
	return nil
}

// Reaches reports whether to can be reached from from by following
// connections downstream. A node reaches itself.
func Reaches(conns []Connection, from, to string) bool {
	if from == to {
		return true
	}
	down := make(map[string][]string)
	for _, c := range conns {
		down[c.SourceID] = append(down[c.SourceID], c.TargetID)
	}
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range down[id] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Levels groups nodes into dependency tiers with Kahn's algorithm: every
// node of tier k depends only on nodes of tiers < k. Within a tier nodes keep
// collection order. Levels is informational; runs are always serial.
func Levels(nodes []Node, conns []Connection) ([][]Node, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	idx := make(map[string]int, len(nodes))
	for i, n := range nodes {
		idx[n.ID] = i
	}

	inDegree := make([]int, len(nodes))
	dependents := make(map[int][]int)
	seen := make(map[[2]int]bool)
	for _, c := range conns {
		from, ok1 := idx[c.SourceID]
		to, ok2 := idx[c.TargetID]
		if !ok1 || !ok2 || seen[[2]int{from, to}] {
			continue
		}
		seen[[2]int{from, to}] = true
		dependents[from] = append(dependents[from], to)
		inDegree[to]++
	}

	var queue []int
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	var tiers [][]Node
	processed := 0
	for len(queue) > 0 {
		slices.Sort(queue)
		tier := make([]Node, 0, len(queue))
		for _, i := range queue {
			tier = append(tier, nodes[i])
		}
		tiers = append(tiers, tier)
		processed += len(queue)

		var next []int
		for _, i := range queue {
			for _, d := range dependents[i] {
				inDegree[d]--
				if inDegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		queue = next
	}

	if processed != len(nodes) {
		return nil, ErrCycleDetected
	}
	return tiers, nil
}
