package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// fakeEngine is an in-memory Engine recording every call.
type fakeEngine struct {
	mu sync.Mutex

	columns     map[string][]Column
	columnErr   map[string]error
	columnCalls map[string]int

	rows     map[string]int
	fail     map[string]string // node id -> engine error message
	errs     map[string]error  // node id -> transport error
	executed []string

	clearErr error
	cleared  int

	previewCalls int
	datasets     []Dataset
	datasetCalls int

	onExecute func(nodeID string, g Graph)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		columns:     map[string][]Column{},
		columnErr:   map[string]error{},
		columnCalls: map[string]int{},
		rows:        map[string]int{},
		fail:        map[string]string{},
		errs:        map[string]error{},
	}
}

func (f *fakeEngine) DatasetColumns(_ context.Context, table string) ([]Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.columnCalls[table]++
	if err := f.columnErr[table]; err != nil {
		return nil, err
	}
	cols, ok := f.columns[table]
	if !ok {
		return nil, errors.New("no such table: " + table)
	}
	return cols, nil
}

func (f *fakeEngine) ExecuteNode(_ context.Context, _, nodeID string, g Graph) (*ExecuteResult, error) {
	if f.onExecute != nil {
		f.onExecute(nodeID, g)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, nodeID)
	if err := f.errs[nodeID]; err != nil {
		return nil, err
	}
	if msg, ok := f.fail[nodeID]; ok {
		return &ExecuteResult{Success: false, Error: msg}, nil
	}
	return &ExecuteResult{Success: true, RowCount: f.rows[nodeID]}, nil
}

func (f *fakeEngine) PreviewNode(_ context.Context, _, nodeID string) (*Preview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previewCalls++
	return &Preview{
		Rows:    []map[string]any{{"node": nodeID}},
		Columns: []string{"node"},
	}, nil
}

func (f *fakeEngine) ClearCache(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return f.clearErr
}

func (f *fakeEngine) Datasets(context.Context) ([]Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasetCalls++
	return f.datasets, nil
}

func cols(names ...string) []Column {
	out := make([]Column, len(names))
	for i, n := range names {
		out[i] = Column{Name: n}
	}
	return out
}

func names(cs []Column) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

func ids(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// graphOf fills in idle statuses and empty data.
func graphOf(nodes []Node, conns ...Connection) Graph {
	for i := range nodes {
		if nodes[i].Status == "" {
			nodes[i].Status = StatusIdle
		}
		if nodes[i].Data == nil {
			nodes[i].Data = Data{}
		}
	}
	return Graph{Nodes: nodes, Connections: conns}
}

func node(id string, t OperatorType, data Data) Node {
	return Node{ID: id, Type: t, Data: data}
}

func edge(from, to string) Connection {
	return Connection{SourceID: from, TargetID: to}
}

func jsonUnmarshal(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}
