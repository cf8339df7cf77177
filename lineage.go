package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Resolver answers "which columns can this node read?" by walking the graph
// upstream to the configured source tables. Results are never stored on the
// graph; only table metadata is cached, per session.
type Resolver struct {
	src    ColumnSource
	logger *slog.Logger
	group  singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger used for metadata failures.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver returns a Resolver reading table metadata from src.
func NewResolver(src ColumnSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{src: src, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// JoinColumns holds the independently resolved inputs of a join.
type JoinColumns struct {
	Left  []Column `json:"left"`
	Right []Column `json:"right"`
}

// InputColumns returns the columns visible to nodeID. Each upstream branch is
// resolved independently and the results merged by name, first occurrence
// first. A node without inputs sees its own table if it is a configured
// source, nothing otherwise. Join nodes have no merged input list; use
// JoinInputs for them.
//
// Metadata failures and broken lineage yield an empty list, which callers
// should read as "not configured yet".
func (r *Resolver) InputColumns(ctx context.Context, s *Session, nodeID string) ([]Column, error) {
	g := s.Graph()
	n, ok := g.Node(nodeID)
	if !ok {
		return nil, ErrNodeNotFound
	}

	in := orderedInputs(n.Type, g.Incoming(nodeID))
	if len(in) == 0 {
		if n.Type == OpSource {
			if table := n.Data.String(KeyTable); table != "" {
				return r.tableColumns(ctx, s, table), nil
			}
		}
		return []Column{}, nil
	}
	if n.Type == OpJoin {
		return nil, nil
	}

	branches := make([][]Column, 0, len(in))
	for _, c := range in {
		branches = append(branches, r.branchColumns(ctx, s, g, c.SourceID))
	}
	return mergeColumns(branches...), nil
}

// JoinInputs resolves the left and right inputs of a join (or union) node.
// Without explicit ports, the first connection found targeting the node is
// the left input and the second the right one; further inputs are ignored.
func (r *Resolver) JoinInputs(ctx context.Context, s *Session, nodeID string) (JoinColumns, error) {
	g := s.Graph()
	n, ok := g.Node(nodeID)
	if !ok {
		return JoinColumns{}, ErrNodeNotFound
	}

	out := JoinColumns{Left: []Column{}, Right: []Column{}}
	left, right := inputPorts(g.Incoming(n.ID))
	if left != nil {
		out.Left = r.branchColumns(ctx, s, g, left.SourceID)
	}
	if right != nil {
		out.Right = r.branchColumns(ctx, s, g, right.SourceID)
	}
	return out, nil
}

// branchColumns walks upstream from id, following the first connection
// targeting the current node, until it reaches a source with a table.
func (r *Resolver) branchColumns(ctx context.Context, s *Session, g Graph, id string) []Column {
	visited := make(map[string]bool)
	for current := id; ; {
		if visited[current] {
			return []Column{}
		}
		visited[current] = true

		n, ok := g.Node(current)
		if !ok {
			return []Column{}
		}
		if n.Type == OpSource {
			if table := n.Data.String(KeyTable); table != "" {
				return r.tableColumns(ctx, s, table)
			}
		}

		next := ""
		for _, c := range g.Connections {
			if c.TargetID == current {
				next = c.SourceID
				break
			}
		}
		if next == "" {
			return []Column{}
		}
		current = next
	}
}

// tableColumns returns the memoised columns of table, fetching them on the
// first request. Failures are logged and not cached.
func (r *Resolver) tableColumns(ctx context.Context, s *Session, table string) []Column {
	if cols, ok := s.cachedColumns(table); ok {
		return cloneColumns(cols)
	}

	// Callers of one session share a fetch; sessions never share a context.
	v, err, _ := r.group.Do(s.ModelID()+"\x00"+table, func() (any, error) {
		return r.src.DatasetColumns(ctx, table)
	})
	if err != nil {
		r.logger.Warn("column metadata unavailable", "model", s.ModelID(), "table", table, "error", err)
		return []Column{}
	}
	cols, _ := v.([]Column)
	if cols == nil {
		cols = []Column{}
	}
	s.storeColumns(table, cols)
	return cloneColumns(cols)
}

// mergeColumns concatenates branches, keeping the first column of each name.
func mergeColumns(branches ...[]Column) []Column {
	out := []Column{}
	seen := make(map[string]bool)
	for _, b := range branches {
		for _, c := range b {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			out = append(out, c)
		}
	}
	return out
}

// inputPorts picks the left and right inputs among in. Explicit ports win;
// unlabelled connections fill the remaining slots in discovery order.
func inputPorts(in []Connection) (left, right *Connection) {
	var rest []*Connection
	for i := range in {
		c := &in[i]
		switch {
		case c.Port == PortLeft && left == nil:
			left = c
		case c.Port == PortRight && right == nil:
			right = c
		case c.Port == "":
			rest = append(rest, c)
		}
	}
	for _, c := range rest {
		switch {
		case left == nil:
			left = c
		case right == nil:
			right = c
		}
	}
	return left, right
}

// orderedInputs returns the inputs of a node in merge order: left then right
// for two-input operators, collection order otherwise.
func orderedInputs(t OperatorType, in []Connection) []Connection {
	if Inputs(t) != 2 || len(in) == 0 {
		return in
	}
	left, right := inputPorts(in)
	var out []Connection
	if left != nil {
		out = append(out, *left)
	}
	if right != nil {
		out = append(out, *right)
	}
	return out
}

func cloneColumns(cols []Column) []Column {
	out := make([]Column, len(cols))
	copy(out, cols)
	return out
}
