package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
)

// ColumnSource is the dataset metadata service consulted by the Resolver.
type ColumnSource interface {
	DatasetColumns(ctx context.Context, table string) ([]Column, error)
}

// Engine is the remote execution engine. The orchestrator only decides what
// to run and in which order; Engine does the work against real data.
type Engine interface {
	ColumnSource

	ExecuteNode(ctx context.Context, modelID, nodeID string, g Graph) (*ExecuteResult, error)
	// PreviewNode is only valid once the node executed successfully.
	PreviewNode(ctx context.Context, modelID, nodeID string) (*Preview, error)
	ClearCache(ctx context.Context, modelID string) error
	Datasets(ctx context.Context) ([]Dataset, error)
}

// ExecuteResult is the engine's reply to an execute request.
type ExecuteResult struct {
	Success  bool   `json:"success"`
	RowCount int    `json:"row_count"`
	Error    string `json:"error,omitempty"`
}

// Preview is a sample of a node's output rows.
type Preview struct {
	Rows    []map[string]any `json:"preview"`
	Columns []string         `json:"columns"`
}

// Dataset describes a table selectable as a source.
type Dataset struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Table string `json:"table,omitempty"`
}

// UnmarshalJSON accepts either a bare column name or a {name,type} object.
func (c *Column) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*c = Column{Name: name}
		return nil
	}
	var obj struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("pipeline: decode column: %w", err)
	}
	*c = Column{Name: obj.Name, Type: obj.Type}
	return nil
}
