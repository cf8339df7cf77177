package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meikuraledutech/pipeline"
)

var _ pipeline.Store = (*PGStore)(nil)

// SaveGraph replaces the stored graph of modelID in one transaction.
// Connections are stored as given, dangling or not; the graph is the
// editor's document, not a validated plan.
func (s *PGStore) SaveGraph(ctx context.Context, modelID string, g *pipeline.Graph) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM pipeline_connections WHERE model_id = $1`, modelID); err != nil {
		return fmt.Errorf("pipeline: delete connections: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM pipeline_nodes WHERE model_id = $1`, modelID); err != nil {
		return fmt.Errorf("pipeline: delete nodes: %w", err)
	}

	for i, n := range g.Nodes {
		if n.Data == nil {
			n.Data = pipeline.Data{}
		}
		data, err := json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("pipeline: encode node %s: %w", n.ID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO pipeline_nodes (model_id, id, seq, type, pos_x, pos_y, data, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			modelID, n.ID, i, string(n.Type), n.Position.X, n.Position.Y, json.RawMessage(data), string(n.Status),
		); err != nil {
			return fmt.Errorf("pipeline: insert node %s: %w", n.ID, err)
		}
	}

	for i, c := range g.Connections {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pipeline_connections (model_id, seq, source_id, target_id, port) VALUES ($1, $2, $3, $4, $5)`,
			modelID, i, c.SourceID, c.TargetID, string(c.Port),
		); err != nil {
			return fmt.Errorf("pipeline: insert connection %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pipeline: commit: %w", err)
	}
	return nil
}

// LoadGraph retrieves the stored graph of modelID.
// Returns nil, nil if no nodes exist for the model.
func (s *PGStore) LoadGraph(ctx context.Context, modelID string) (*pipeline.Graph, error) {
	g := &pipeline.Graph{Nodes: []pipeline.Node{}, Connections: []pipeline.Connection{}}

	rows, err := s.db.Query(ctx,
		`SELECT id, type, pos_x, pos_y, data, status FROM pipeline_nodes WHERE model_id = $1 ORDER BY seq`, modelID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: query nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			n      pipeline.Node
			typ    string
			status string
			data   []byte
		)
		if err := rows.Scan(&n.ID, &typ, &n.Position.X, &n.Position.Y, &data, &status); err != nil {
			return nil, fmt.Errorf("pipeline: scan node: %w", err)
		}
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("pipeline: decode node %s: %w", n.ID, err)
		}
		n.Type = pipeline.OperatorType(typ)
		n.Status = pipeline.Status(status)
		g.Nodes = append(g.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipeline: rows nodes: %w", err)
	}

	if len(g.Nodes) == 0 {
		return nil, nil
	}

	rows, err = s.db.Query(ctx,
		`SELECT source_id, target_id, port FROM pipeline_connections WHERE model_id = $1 ORDER BY seq`, modelID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: query connections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c    pipeline.Connection
			port string
		)
		if err := rows.Scan(&c.SourceID, &c.TargetID, &port); err != nil {
			return nil, fmt.Errorf("pipeline: scan connection: %w", err)
		}
		c.Port = pipeline.Port(port)
		g.Connections = append(g.Connections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipeline: rows connections: %w", err)
	}

	return g, nil
}

// DeleteGraph removes all nodes and connections of modelID.
// No error if the model doesn't exist.
func (s *PGStore) DeleteGraph(ctx context.Context, modelID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM pipeline_connections WHERE model_id = $1`, modelID); err != nil {
		return fmt.Errorf("pipeline: delete connections: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM pipeline_nodes WHERE model_id = $1`, modelID); err != nil {
		return fmt.Errorf("pipeline: delete nodes: %w", err)
	}

	return tx.Commit(ctx)
}

// ListModels returns the ids of every stored model, sorted.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) ListModels(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT model_id FROM pipeline_nodes ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list models: %w", err)
	}
	defer rows.Close()

	models := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pipeline: scan model: %w", err)
		}
		models = append(models, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipeline: rows models: %w", err)
	}
	return models, nil
}
