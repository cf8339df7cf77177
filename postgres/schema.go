package postgres

import "context"

// seq keeps collection order: connection order decides join/union inputs.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS pipeline_nodes (
    model_id   TEXT NOT NULL,
    id         TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    type       TEXT NOT NULL,
    pos_x      DOUBLE PRECISION NOT NULL DEFAULT 0,
    pos_y      DOUBLE PRECISION NOT NULL DEFAULT 0,
    data       JSONB NOT NULL DEFAULT '{}',
    status     TEXT NOT NULL DEFAULT 'idle',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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

CREATE INDEX IF NOT EXISTS idx_pipeline_nodes_model ON pipeline_nodes(model_id, seq);
CREATE INDEX IF NOT EXISTS idx_pipeline_connections_target ON pipeline_connections(model_id, target_id);
`

// CreateSchema creates the pipeline_nodes and pipeline_connections tables if they don't exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

// DropSchema drops the pipeline_connections and pipeline_nodes tables.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS pipeline_connections, pipeline_nodes CASCADE;`)
	return err
}
