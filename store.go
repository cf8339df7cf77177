package pipeline

import (
	"context"
	"errors"
)

var (
	ErrCycleDetected      = errors.New("pipeline: connection would create a cycle")
	ErrNodeNotFound       = errors.New("pipeline: node not found")
	ErrConnectionNotFound = errors.New("pipeline: connection not found")
	ErrUnknownOperator    = errors.New("pipeline: unknown operator type")
	ErrPortsFull          = errors.New("pipeline: node has no free input")
	ErrSelfConnection     = errors.New("pipeline: node cannot feed itself")
	ErrNotExecuted        = errors.New("pipeline: node has not been executed successfully")
	ErrRunInProgress      = errors.New("pipeline: a run is already in progress")
	ErrExecutionFailed    = errors.New("pipeline: node execution failed")
)

// Store defines the contract for persisting and retrieving graph_config
// documents. Graphs are always saved and loaded wholesale.
type Store interface {
	// Schema
	CreateSchema(ctx context.Context) error
	DropSchema(ctx context.Context) error

	// SaveGraph replaces the stored graph of modelID.
	SaveGraph(ctx context.Context, modelID string, g *Graph) error
	// LoadGraph returns nil, nil when nothing is stored for modelID.
	LoadGraph(ctx context.Context, modelID string) (*Graph, error)
	DeleteGraph(ctx context.Context, modelID string) error
	ListModels(ctx context.Context) ([]string, error)
}
