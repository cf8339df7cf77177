package pipeline

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Session holds the graph of one model being edited, together with the
// state that lives as long as the editor stays open: the execution log, the
// per-table column cache and the last known dataset list.
//
// Every method is safe for concurrent use. Mutations are serialised by an
// internal mutex; remote calls made by the Resolver and the Orchestrator
// happen outside of it, so edits may land between two node executions.
type Session struct {
	mu       sync.Mutex
	modelID  string
	nodes    []Node
	conns    []Connection
	columns  map[string][]Column
	datasets []Dataset
	running  bool
	log      *RunLog
	newID    func() string
}

// NewSession returns an empty session for modelID.
func NewSession(modelID string) *Session {
	return &Session{
		modelID: modelID,
		columns: make(map[string][]Column),
		log:     NewRunLog(LogCapacity),
		newID:   uuid.NewString,
	}
}

// ModelID returns the id of the model the session edits.
func (s *Session) ModelID() string { return s.modelID }

// Log returns the execution log of the session.
func (s *Session) Log() *RunLog { return s.log }

// Load replaces the graph wholesale. Statuses that are missing or unknown
// are normalised to idle; connections are kept even when they dangle.
func (s *Session) Load(g Graph) {
	g = g.Clone()
	for i := range g.Nodes {
		switch g.Nodes[i].Status {
		case StatusIdle, StatusRunning, StatusSuccess, StatusError:
		default:
			g.Nodes[i].Status = StatusIdle
		}
		if g.Nodes[i].Data == nil {
			g.Nodes[i].Data = Data{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = g.Nodes
	s.conns = g.Connections
}

// Graph returns a deep copy of the current graph.
func (s *Session) Graph() Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Graph{Nodes: s.nodes, Connections: s.conns}.Clone()
}

// Reset returns the session to empty, as when the editor exits.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nil
	s.conns = nil
	s.columns = make(map[string][]Column)
	s.datasets = nil
	s.log.Clear()
}

// Node returns a copy of the node with the given id.
func (s *Session) Node(id string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return Node{}, false
	}
	n := s.nodes[i]
	n.Data = n.Data.Clone()
	return n, true
}

// AddNode appends a new idle node of type t, its data seeded with the
// operator defaults, and returns the generated id.
func (s *Session) AddNode(t OperatorType, pos Position) (string, error) {
	op, ok := Lookup(t)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperator, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	s.nodes = append(s.nodes, Node{
		ID:       id,
		Type:     t,
		Position: pos,
		Data:     op.Defaults(),
		Status:   StatusIdle,
	})
	return id, nil
}

// RemoveNode deletes the node and every connection referencing it.
func (s *Session) RemoveNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return ErrNodeNotFound
	}
	s.nodes = append(s.nodes[:i:i], s.nodes[i+1:]...)

	kept := s.conns[:0:0]
	for _, c := range s.conns {
		if c.SourceID != id && c.TargetID != id {
			kept = append(kept, c)
		}
	}
	s.conns = kept
	return nil
}

// MoveNode updates the canvas position of a node.
func (s *Session) MoveNode(id string, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return ErrNodeNotFound
	}
	s.nodes[i].Position = pos
	return nil
}

// PatchNodeData shallow-merges partial into the node's data.
func (s *Session) PatchNodeData(id string, partial Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return ErrNodeNotFound
	}
	if s.nodes[i].Data == nil {
		s.nodes[i].Data = Data{}
	}
	s.nodes[i].Data.Merge(partial.Clone())
	return nil
}

// AddConnection connects sourceID to targetID. Inputs of a two-input
// operator are assigned in the order their connections are added.
func (s *Session) AddConnection(sourceID, targetID string) error {
	return s.Connect(Connection{SourceID: sourceID, TargetID: targetID})
}

// Connect adds c to the connection collection. Adding a connection whose
// (source, target) pair already exists is a no-op. The connection is
// rejected when it would close a cycle, when it would give a join or union
// a third input, or when its port is already taken.
func (s *Session) Connect(c Connection) error {
	if c.SourceID == c.TargetID {
		return ErrSelfConnection
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(c.SourceID) < 0 {
		return fmt.Errorf("%w: source %s", ErrNodeNotFound, c.SourceID)
	}
	ti := s.indexOf(c.TargetID)
	if ti < 0 {
		return fmt.Errorf("%w: target %s", ErrNodeNotFound, c.TargetID)
	}

	var incoming []Connection
	for _, e := range s.conns {
		if e.SourceID == c.SourceID && e.TargetID == c.TargetID {
			return nil
		}
		if e.TargetID == c.TargetID {
			incoming = append(incoming, e)
		}
	}

	if Inputs(s.nodes[ti].Type) == 2 {
		if len(incoming) >= 2 {
			return fmt.Errorf("%w: %s already has two inputs", ErrPortsFull, c.TargetID)
		}
		switch c.Port {
		case "":
		case PortLeft, PortRight:
			for _, e := range incoming {
				if e.Port == c.Port {
					return fmt.Errorf("%w: port %s of %s is taken", ErrPortsFull, c.Port, c.TargetID)
				}
			}
		default:
			return fmt.Errorf("%w: unknown port %q", ErrPortsFull, c.Port)
		}
	} else {
		c.Port = ""
	}

	// Only a path from target back to source makes the new edge close a
	// cycle; cycles already present in a loaded graph are left alone.
	if Reaches(s.conns, c.TargetID, c.SourceID) {
		return fmt.Errorf("%w: through node %s", ErrCycleDetected, c.SourceID)
	}
	s.conns = append(s.conns, c)
	return nil
}

// RemoveConnection deletes the connection at index.
func (s *Session) RemoveConnection(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.conns) {
		return ErrConnectionNotFound
	}
	s.conns = append(s.conns[:index:index], s.conns[index+1:]...)
	return nil
}

// Datasets returns the dataset list fetched after the last completed run.
func (s *Session) Datasets() []Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Dataset, len(s.datasets))
	copy(out, s.datasets)
	return out
}

func (s *Session) setDatasets(ds []Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets = ds
}

// InvalidateTable drops the cached columns of one table. It is the
// table-change event; other tables stay cached.
func (s *Session) InvalidateTable(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.columns, table)
}

func (s *Session) cachedColumns(table string) ([]Column, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cols, ok := s.columns[table]
	return cols, ok
}

func (s *Session) storeColumns(table string, cols []Column) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns[table] = cols
}

// beginRun claims the session for one run; endRun releases it.
func (s *Session) beginRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}
	s.running = true
	return nil
}

func (s *Session) endRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// Running reports whether a run is in progress.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) setStatus(id string, st Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.nodes[i].Status = st
	return true
}

// resetStatuses sets every node to idle, keeping successful nodes when
// keepSuccess is set.
func (s *Session) resetStatuses(keepSuccess bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.nodes {
		if keepSuccess && s.nodes[i].Status == StatusSuccess {
			continue
		}
		s.nodes[i].Status = StatusIdle
	}
}

func (s *Session) recordSuccess(id string, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return
	}
	if s.nodes[i].Data == nil {
		s.nodes[i].Data = Data{}
	}
	// float64 is what a saved graph decodes back to
	s.nodes[i].Data[KeyRowCount] = float64(rows)
	s.nodes[i].Status = StatusSuccess
}

func (s *Session) indexOf(id string) int {
	for i := range s.nodes {
		if s.nodes[i].ID == id {
			return i
		}
	}
	return -1
}
