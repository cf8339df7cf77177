package pipeline

// Status is the execution state of a single node.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Well-known keys inside Node.Data.
const (
	KeyTable         = "table"
	KeyLabel         = "label"
	KeyRowCount      = "_rowCount"
	KeyOutputColumns = "outputColumns"
)

// Graph is the persisted graph_config of one model: the full node and
// connection collections, saved and loaded wholesale.
type Graph struct {
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// Position is the canvas location of a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one typed operator instance in the pipeline graph.
// Data holds the type-specific configuration; see Registry for its keys.
type Node struct {
	ID       string       `json:"id"`
	Type     OperatorType `json:"type"`
	Position Position     `json:"position"`
	Data     Data         `json:"data"`
	Status   Status       `json:"status"`
}

// Label returns the display name of the node, falling back to its id.
func (n Node) Label() string {
	if l := n.Data.String(KeyLabel); l != "" {
		return l
	}
	return n.ID
}

// RowCount returns the row count recorded by the last successful execution.
func (n Node) RowCount() (int, bool) {
	return n.Data.Int(KeyRowCount)
}

// Port names the input slot of a two-input operator.
type Port string

const (
	PortLeft  Port = "left"
	PortRight Port = "right"
)

// Connection is a directed edge: the output of SourceID feeds TargetID.
// Port is optional and only meaningful when the target is a join or union.
type Connection struct {
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
	Port     Port   `json:"port,omitempty"`
}

// Column is one field visible to a node.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	out := Graph{
		Nodes:       make([]Node, len(g.Nodes)),
		Connections: make([]Connection, len(g.Connections)),
	}
	for i, n := range g.Nodes {
		n.Data = n.Data.Clone()
		out.Nodes[i] = n
	}
	copy(out.Connections, g.Connections)
	return out
}

// Node returns the node with the given id.
func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Incoming returns the connections targeting id in collection order.
func (g Graph) Incoming(id string) []Connection {
	var in []Connection
	for _, c := range g.Connections {
		if c.TargetID == id {
			in = append(in, c)
		}
	}
	return in
}
