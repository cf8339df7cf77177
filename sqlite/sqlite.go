// Package sqlite stores graph_config documents in a local SQLite file, for
// single-user editors that run without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meikuraledutech/pipeline"
)

// SQLiteStore implements pipeline.Store on top of database/sql.
type SQLiteStore struct {
	db *sql.DB
}

var _ pipeline.Store = (*SQLiteStore)(nil)

// Open opens (or creates) the database file at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("pipeline: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pipeline_nodes (
	model_id   TEXT NOT NULL,
	id         TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	type       TEXT NOT NULL,
	pos_x      REAL NOT NULL DEFAULT 0,
	pos_y      REAL NOT NULL DEFAULT 0,
	data       TEXT NOT NULL DEFAULT '{}',
	status     TEXT NOT NULL DEFAULT 'idle',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (model_id, id)
);

CREATE TABLE IF NOT EXISTS pipeline_connections (
	model_id  TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	port      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (model_id, seq)
);
`

// CreateSchema creates the tables if they don't exist.
func (s *SQLiteStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

// DropSchema drops both tables.
func (s *SQLiteStore) DropSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS pipeline_connections; DROP TABLE IF EXISTS pipeline_nodes;`)
	return err
}

// SaveGraph replaces the stored graph of modelID in one transaction.
func (s *SQLiteStore) SaveGraph(ctx context.Context, modelID string, g *pipeline.Graph) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pipeline: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := deleteModel(ctx, tx, modelID); err != nil {
		return err
	}

	for i, n := range g.Nodes {
		if n.Data == nil {
			n.Data = pipeline.Data{}
		}
		data, err := json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("pipeline: encode node %s: %w", n.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_nodes (model_id, id, seq, type, pos_x, pos_y, data, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			modelID, n.ID, i, string(n.Type), n.Position.X, n.Position.Y, string(data), string(n.Status),
		); err != nil {
			return fmt.Errorf("pipeline: insert node %s: %w", n.ID, err)
		}
	}
	for i, c := range g.Connections {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_connections (model_id, seq, source_id, target_id, port) VALUES (?, ?, ?, ?, ?)`,
			modelID, i, c.SourceID, c.TargetID, string(c.Port),
		); err != nil {
			return fmt.Errorf("pipeline: insert connection %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pipeline: commit: %w", err)
	}
	return nil
}

// LoadGraph returns nil, nil if no nodes exist for modelID.
func (s *SQLiteStore) LoadGraph(ctx context.Context, modelID string) (*pipeline.Graph, error) {
	g := &pipeline.Graph{Nodes: []pipeline.Node{}, Connections: []pipeline.Connection{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, pos_x, pos_y, data, status FROM pipeline_nodes WHERE model_id = ? ORDER BY seq`, modelID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: query nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			n                  pipeline.Node
			typ, status, data string
		)
		if err := rows.Scan(&n.ID, &typ, &n.Position.X, &n.Position.Y, &data, &status); err != nil {
			return nil, fmt.Errorf("pipeline: scan node: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
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

	crows, err := s.db.QueryContext(ctx,
		`SELECT source_id, target_id, port FROM pipeline_connections WHERE model_id = ? ORDER BY seq`, modelID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: query connections: %w", err)
	}
	defer crows.Close()

	for crows.Next() {
		var (
			c    pipeline.Connection
			port string
		)
		if err := crows.Scan(&c.SourceID, &c.TargetID, &port); err != nil {
			return nil, fmt.Errorf("pipeline: scan connection: %w", err)
		}
		c.Port = pipeline.Port(port)
		g.Connections = append(g.Connections, c)
	}
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("pipeline: rows connections: %w", err)
	}
	return g, nil
}

// DeleteGraph removes every node and connection of modelID.
func (s *SQLiteStore) DeleteGraph(ctx context.Context, modelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pipeline: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := deleteModel(ctx, tx, modelID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListModels returns the ids of every stored model, sorted.
func (s *SQLiteStore) ListModels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT model_id FROM pipeline_nodes ORDER BY model_id`)
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
	return models, rows.Err()
}

func deleteModel(ctx context.Context, tx *sql.Tx, modelID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_connections WHERE model_id = ?`, modelID); err != nil {
		return fmt.Errorf("pipeline: delete connections: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_nodes WHERE model_id = ?`, modelID); err != nil {
		return fmt.Errorf("pipeline: delete nodes: %w", err)
	}
	return nil
}
