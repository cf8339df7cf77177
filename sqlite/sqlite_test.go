package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/pipeline"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateSchema(context.Background()))
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Build through a session so the stored document is what the editor produces.
	sess := pipeline.NewSession("m1")
	src1, err := sess.AddNode(pipeline.OpSource, pipeline.Position{X: 10, Y: 10})
	require.NoError(t, err)
	src2, err := sess.AddNode(pipeline.OpSource, pipeline.Position{X: 10, Y: 90})
	require.NoError(t, err)
	join, err := sess.AddNode(pipeline.OpJoin, pipeline.Position{X: 200, Y: 50})
	require.NoError(t, err)
	require.NoError(t, sess.PatchNodeData(src1, pipeline.Data{"table": "orders", "label": "Orders"}))
	require.NoError(t, sess.PatchNodeData(src2, pipeline.Data{"table": "customers"}))
	require.NoError(t, sess.PatchNodeData(join, pipeline.Data{"leftKey": "customer_id", "rightKey": "id"}))
	require.NoError(t, sess.AddConnection(src2, join))
	require.NoError(t, sess.AddConnection(src1, join))

	want := sess.Graph()
	require.NoError(t, s.SaveGraph(ctx, "m1", &want))

	got, err := s.LoadGraph(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	reloaded := pipeline.NewSession("m1")
	reloaded.Load(*got)
	if diff := cmp.Diff(want, reloaded.Graph()); diff != "" {
		t.Fatalf("session reload mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_ReplaceDeleteList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &pipeline.Graph{
		Nodes:       []pipeline.Node{{ID: "a", Type: pipeline.OpSQL, Data: pipeline.Data{"query": "select 1"}, Status: pipeline.StatusIdle}},
		Connections: []pipeline.Connection{},
	}
	require.NoError(t, s.SaveGraph(ctx, "m2", g))
	require.NoError(t, s.SaveGraph(ctx, "m1", g))
	require.NoError(t, s.SaveGraph(ctx, "m1", g))

	models, err := s.ListModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, models)

	require.NoError(t, s.DeleteGraph(ctx, "m1"))
	got, err := s.LoadGraph(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.LoadGraph(ctx, "m2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Nodes, 1)
}

func TestSQLiteStore_DropSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.DropSchema(ctx))

	_, err := s.LoadGraph(ctx, "m1")
	assert.Error(t, err)
	require.NoError(t, s.CreateSchema(ctx))
}

// rowsEngine succeeds every execution with a fixed row count.
type rowsEngine struct{ rows int }

func (e rowsEngine) DatasetColumns(context.Context, string) ([]pipeline.Column, error) {
	return []pipeline.Column{}, nil
}

func (e rowsEngine) ExecuteNode(context.Context, string, string, pipeline.Graph) (*pipeline.ExecuteResult, error) {
	return &pipeline.ExecuteResult{Success: true, RowCount: e.rows}, nil
}

func (e rowsEngine) PreviewNode(context.Context, string, string) (*pipeline.Preview, error) {
	return &pipeline.Preview{}, nil
}

func (e rowsEngine) ClearCache(context.Context, string) error { return nil }

func (e rowsEngine) Datasets(context.Context) ([]pipeline.Dataset, error) { return nil, nil }

func TestSQLiteStore_RoundTripAfterRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := pipeline.NewSession("m1")
	src, err := sess.AddNode(pipeline.OpSource, pipeline.Position{})
	require.NoError(t, err)
	sink, err := sess.AddNode(pipeline.OpSink, pipeline.Position{X: 100})
	require.NoError(t, err)
	require.NoError(t, sess.PatchNodeData(src, pipeline.Data{"table": "orders"}))
	require.NoError(t, sess.PatchNodeData(sink, pipeline.Data{"table": "out"}))
	require.NoError(t, sess.AddConnection(src, sink))

	orch := pipeline.NewOrchestrator(rowsEngine{rows: 7}, pipeline.WithStepDelay(0))
	_, err = orch.RunAll(ctx, sess, pipeline.RunOptions{})
	require.NoError(t, err)

	want := sess.Graph()
	require.NoError(t, s.SaveGraph(ctx, "m1", &want))
	got, err := s.LoadGraph(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	n, ok := got.Node(sink)
	require.True(t, ok)
	assert.Equal(t, pipeline.StatusSuccess, n.Status)
	rows, ok := n.RowCount()
	assert.True(t, ok)
	assert.Equal(t, 7, rows)
}
