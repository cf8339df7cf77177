package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/pipeline"
)

// memStore is an in-memory pipeline.Store.
type memStore struct {
	mu     sync.Mutex
	graphs map[string]pipeline.Graph
}

func (m *memStore) CreateSchema(context.Context) error { return nil }
func (m *memStore) DropSchema(context.Context) error   { return nil }

func (m *memStore) SaveGraph(_ context.Context, model string, g *pipeline.Graph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graphs[model] = g.Clone()
	return nil
}

func (m *memStore) LoadGraph(_ context.Context, model string) (*pipeline.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[model]
	if !ok {
		return nil, nil
	}
	g = g.Clone()
	return &g, nil
}

func (m *memStore) DeleteGraph(_ context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.graphs, model)
	return nil
}

func (m *memStore) ListModels(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for id := range m.graphs {
		out = append(out, id)
	}
	return out, nil
}

// stubEngine answers from fixed tables and fails the nodes listed in fail.
type stubEngine struct {
	mu       sync.Mutex
	columns  map[string][]pipeline.Column
	fail     map[string]bool
	executed []string
}

func (e *stubEngine) DatasetColumns(_ context.Context, table string) ([]pipeline.Column, error) {
	cols, ok := e.columns[table]
	if !ok {
		return nil, errors.New("unknown table")
	}
	return cols, nil
}

func (e *stubEngine) ExecuteNode(_ context.Context, _, nodeID string, _ pipeline.Graph) (*pipeline.ExecuteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, nodeID)
	if e.fail[nodeID] {
		return &pipeline.ExecuteResult{Success: false, Error: "boom"}, nil
	}
	return &pipeline.ExecuteResult{Success: true, RowCount: 3}, nil
}

func (e *stubEngine) PreviewNode(_ context.Context, _, nodeID string) (*pipeline.Preview, error) {
	return &pipeline.Preview{Rows: []map[string]any{{"id": 1}}, Columns: []string{"id"}}, nil
}

func (e *stubEngine) ClearCache(context.Context, string) error { return nil }

func (e *stubEngine) Datasets(context.Context) ([]pipeline.Dataset, error) {
	return []pipeline.Dataset{{ID: "1", Name: "Orders", Table: "orders"}}, nil
}

type fixture struct {
	t      *testing.T
	srv    *server
	app    *fiber.App
	engine *stubEngine
	store  *memStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &memStore{graphs: map[string]pipeline.Graph{}}
	eng := &stubEngine{
		columns: map[string][]pipeline.Column{
			"orders":    {{Name: "id"}, {Name: "customer_id"}, {Name: "amount"}},
			"customers": {{Name: "id"}, {Name: "name"}},
		},
		fail: map[string]bool{},
	}
	reg := prometheus.NewRegistry()
	srv := &server{
		store:    store,
		engine:   eng,
		hub:      newHub(store),
		resolver: pipeline.NewResolver(eng),
		orch:     pipeline.NewOrchestrator(eng, pipeline.WithStepDelay(0), pipeline.WithMetrics(pipeline.NewMetrics(reg))),
		registry: reg,
	}
	return &fixture{t: t, srv: srv, app: newApp(srv), engine: eng, store: store}
}

// do sends a request and decodes a JSON reply into out when out is non-nil.
func (f *fixture) do(method, path, body string, out any) int {
	f.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) addNode(model string, t pipeline.OperatorType) string {
	f.t.Helper()
	var v nodeView
	code := f.do(http.MethodPost, "/models/"+model+"/nodes", `{"type":"`+string(t)+`","position":{"x":1,"y":2}}`, &v)
	require.Equal(f.t, http.StatusCreated, code)
	return v.ID
}

func TestRoutes_BuildEditAndResolve(t *testing.T) {
	f := newFixture(t)

	orders := f.addNode("m1", pipeline.OpSource)
	customers := f.addNode("m1", pipeline.OpSource)
	join := f.addNode("m1", pipeline.OpJoin)
	filter := f.addNode("m1", pipeline.OpFilter)

	var v nodeView
	require.Equal(t, http.StatusOK, f.do(http.MethodPatch, "/models/m1/nodes/"+orders, `{"table":"orders","label":"Orders"}`, &v))
	assert.Equal(t, "Orders", v.Label())
	require.Equal(t, http.StatusOK, f.do(http.MethodPatch, "/models/m1/nodes/"+customers, `{"table":"customers"}`, nil))

	for _, body := range []string{
		`{"sourceId":"` + orders + `","targetId":"` + join + `"}`,
		`{"sourceId":"` + customers + `","targetId":"` + join + `"}`,
		`{"sourceId":"` + join + `","targetId":"` + filter + `"}`,
	} {
		require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/models/m1/connections", body, nil))
	}

	var jc pipeline.JoinColumns
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/models/m1/nodes/"+join+"/columns", "", &jc))
	assert.Len(t, jc.Left, 3)
	assert.Len(t, jc.Right, 2)
	assert.Equal(t, "customer_id", jc.Left[1].Name)

	// the filter walks up through the join's first input
	var cols struct {
		Columns []pipeline.Column `json:"columns"`
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/models/m1/nodes/"+filter+"/columns", "", &cols))
	assert.Len(t, cols.Columns, 3)

	var levels struct {
		Levels [][]string `json:"levels"`
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/models/m1/levels", "", &levels))
	assert.Equal(t, [][]string{{orders, customers}, {join}, {filter}}, levels.Levels)
}

func TestRoutes_SessionsKeepTheirModelAcrossRequests(t *testing.T) {
	f := newFixture(t)
	models := []string{"aaaaaaaa", "bbbbbbbb", "cccccccc"}
	nodes := map[string]string{}
	for _, m := range models {
		nodes[m] = f.addNode(m, pipeline.OpSource)
	}

	assert.Equal(t, models, f.srv.hub.models())
	for _, m := range models {
		sess, err := f.srv.hub.open(context.Background(), m)
		require.NoError(t, err)
		assert.Equal(t, m, sess.ModelID())
		g := sess.Graph()
		require.Len(t, g.Nodes, 1)
		assert.Equal(t, nodes[m], g.Nodes[0].ID)
	}

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/models/bbbbbbbb/save", "", nil))
	saved, err := f.store.LoadGraph(context.Background(), "bbbbbbbb")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, nodes["bbbbbbbb"], saved.Nodes[0].ID)

	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/models/aaaaaaaa/session", "", nil))
	assert.Equal(t, []string{"bbbbbbbb", "cccccccc"}, f.srv.hub.models())
}

func TestRoutes_Errors(t *testing.T) {
	f := newFixture(t)
	a := f.addNode("m1", pipeline.OpSource)
	b := f.addNode("m1", pipeline.OpSelect)

	tests := []struct {
		name         string
		method, path string
		body         string
		want         int
	}{
		{"unknown operator", http.MethodPost, "/models/m1/nodes", `{"type":"teleport"}`, http.StatusUnprocessableEntity},
		{"missing type", http.MethodPost, "/models/m1/nodes", `{}`, http.StatusBadRequest},
		{"bad port", http.MethodPost, "/models/m1/connections", `{"sourceId":"` + a + `","targetId":"` + b + `","port":"middle"}`, http.StatusBadRequest},
		{"self connection", http.MethodPost, "/models/m1/connections", `{"sourceId":"` + a + `","targetId":"` + a + `"}`, http.StatusUnprocessableEntity},
		{"unknown node", http.MethodGet, "/models/m1/nodes/nope", "", http.StatusNotFound},
		{"unknown node columns", http.MethodGet, "/models/m1/nodes/nope/columns", "", http.StatusNotFound},
		{"connection out of range", http.MethodDelete, "/models/m1/connections/9", "", http.StatusNotFound},
		{"connection index", http.MethodDelete, "/models/m1/connections/x", "", http.StatusBadRequest},
		{"preview before run", http.MethodGet, "/models/m1/nodes/" + a + "/preview", "", http.StatusUnprocessableEntity},
		{"close unopened", http.MethodDelete, "/models/other/session", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			code := f.do(tt.method, tt.path, tt.body, &body)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, body["error"])
		})
	}

	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/models/m1/connections", `{"sourceId":"`+a+`","targetId":"`+b+`"}`, nil))
	var body map[string]any
	assert.Equal(t, http.StatusUnprocessableEntity,
		f.do(http.MethodPost, "/models/m1/connections", `{"sourceId":"`+b+`","targetId":"`+a+`"}`, &body))
	assert.Contains(t, body["error"], "cycle")
}

func TestRoutes_RunPreviewAndLogs(t *testing.T) {
	f := newFixture(t)
	src := f.addNode("m1", pipeline.OpSource)
	sink := f.addNode("m1", pipeline.OpSink)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/models/m1/connections", `{"sourceId":"`+src+`","targetId":"`+sink+`"}`, nil))

	var res pipeline.RunResult
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/models/m1/run", "", &res))
	assert.True(t, res.Completed)
	assert.Equal(t, []string{src, sink}, res.Order)

	var p pipeline.Preview
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/models/m1/nodes/"+sink+"/preview", "", &p))
	assert.Equal(t, []string{"id"}, p.Columns)

	var entries []pipeline.LogEntry
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/models/m1/logs", "", &entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, "Starting pipeline run", entries[0].Message)
	assert.Equal(t, pipeline.LogSuccess, entries[len(entries)-1].Type)

	var ds []pipeline.Dataset
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/models/m1/datasets", "", &ds))
	assert.Equal(t, "orders", ds[0].Table)

	f.engine.fail[sink] = true
	var failed struct {
		Error  string             `json:"error"`
		Result pipeline.RunResult `json:"result"`
	}
	require.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPost, "/models/m1/run", "", &failed))
	assert.Contains(t, failed.Error, "boom")
	assert.False(t, failed.Result.Completed)
	require.Len(t, failed.Result.Executed, 2)
	assert.Equal(t, pipeline.StatusError, failed.Result.Executed[1].Status)

	var nr pipeline.NodeResult
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/models/m1/nodes/"+src+"/run", "", &nr))
	assert.Equal(t, 3, nr.RowCount)
}

func TestRoutes_SaveCloseReopen(t *testing.T) {
	f := newFixture(t)
	id := f.addNode("m1", pipeline.OpSQL)
	require.Equal(t, http.StatusOK, f.do(http.MethodPatch, "/models/m1/nodes/"+id, `{"query":"select 1"}`, nil))
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/models/m1/save", "", nil))
	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/models/m1/session", "", nil))

	var v nodeView
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/models/m1/nodes/"+id, "", &v))
	assert.Equal(t, "select 1", v.Data.String("query"))
	assert.Empty(t, v.Issues)

	var models struct {
		Stored []string `json:"stored"`
		Open   []string `json:"open"`
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/models", "", &models))
	assert.Equal(t, []string{"m1"}, models.Stored)
	assert.Equal(t, []string{"m1"}, models.Open)

	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/models/m1", "", nil))
	_, stored := f.store.graphs["m1"]
	assert.False(t, stored)
}

func TestRoutes_ReplaceGraph(t *testing.T) {
	f := newFixture(t)
	body := `{"nodes":[{"id":"a","type":"source","position":{"x":0,"y":0},"data":{"table":"orders"},"status":"bogus"}],"connections":[]}`
	var g pipeline.Graph
	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/models/m2/graph", body, &g))
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, pipeline.StatusIdle, g.Nodes[0].Status)

	var cols struct {
		Columns []pipeline.Column `json:"columns"`
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/models/m2/nodes/a/columns", "", &cols))
	assert.Len(t, cols.Columns, 3)
	require.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/models/m2/tables/orders/invalidate", "", nil))

	cyclic := `{"nodes":[{"id":"a","type":"filter","data":{}},{"id":"b","type":"filter","data":{}},{"id":"c","type":"sink","data":{}}],` +
		`"connections":[{"sourceId":"a","targetId":"b"},{"sourceId":"b","targetId":"a"}]}`
	var reply struct {
		Warning string `json:"warning"`
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/models/m3/graph", cyclic, &reply))
	assert.Contains(t, reply.Warning, "cycle")

	// edges that do not close a cycle are still accepted
	assert.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/models/m3/connections", `{"sourceId":"b","targetId":"c"}`, nil))
}

func TestRoutes_OperatorsHealthMetrics(t *testing.T) {
	f := newFixture(t)

	var ops []pipeline.Operator
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/operators", "", &ops))
	assert.Len(t, ops, len(pipeline.Operators()))

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", nil))

	src := f.addNode("m1", pipeline.OpSource)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/models/m1/nodes/"+src+"/run", "", nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `pipeline_node_executions_total{operator="source",outcome="success"} 1`)
}
