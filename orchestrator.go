package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultStepDelay separates consecutive remote executions of a run.
const DefaultStepDelay = 300 * time.Millisecond

// Orchestrator drives remote execution of a session's nodes, one at a time,
// and tracks their status. Failures of the engine never escape as panics:
// they become node statuses, log entries and returned errors.
type Orchestrator struct {
	engine  Engine
	logger  *slog.Logger
	metrics *Metrics
	delay   time.Duration
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the Prometheus collectors to update.
func WithMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithStepDelay sets the pause between two node executions of a run.
func WithStepDelay(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.delay = d }
}

// NewOrchestrator returns an Orchestrator executing nodes on engine.
func NewOrchestrator(engine Engine, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		engine: engine,
		logger: slog.Default(),
		delay:  DefaultStepDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}

// RunOptions tunes a full run.
type RunOptions struct {
	// Resume keeps successful nodes and starts at the first node of the
	// sequence that did not succeed. The remote cache is kept as well.
	Resume bool
}

// NodeResult is the outcome of one node execution.
type NodeResult struct {
	NodeID   string        `json:"nodeId"`
	Status   Status        `json:"status"`
	RowCount int           `json:"rowCount"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunResult summarises a full run.
type RunResult struct {
	Order     []string     `json:"order"`
	Executed  []NodeResult `json:"executed"`
	Completed bool         `json:"completed"`
}

// NodeError reports the node that stopped a run.
type NodeError struct {
	NodeID string
	Label  string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("pipeline: node %s failed: %v", e.Label, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Is makes every NodeError match ErrExecutionFailed.
func (e *NodeError) Is(target error) bool { return target == ErrExecutionFailed }

// RunAll executes every node of the session in Sequence order. All statuses
// are reset to idle first and the engine's cache for the model is cleared
// (best effort). The run stops at the first failing node; the nodes after it
// stay idle. On completion the dataset list is refreshed so that tables
// written by sinks become selectable.
func (o *Orchestrator) RunAll(ctx context.Context, s *Session, opts RunOptions) (RunResult, error) {
	var res RunResult
	if err := s.beginRun(); err != nil {
		return res, err
	}
	defer s.endRun()

	s.resetStatuses(opts.Resume)
	log := o.logger.With("model", s.ModelID())
	s.log.Append(LogInfo, "Starting pipeline run")

	if !opts.Resume {
		if err := o.engine.ClearCache(ctx, s.ModelID()); err != nil {
			o.metrics.CacheClearFailures.Inc()
			log.Warn("cache invalidation failed", "error", err)
			s.log.Append(LogInfo, fmt.Sprintf("Cache could not be cleared: %v", err))
		}
	}

	g := s.Graph()
	order := Sequence(g.Nodes, g.Connections)
	for _, n := range order {
		res.Order = append(res.Order, n.ID)
	}

	start := 0
	if opts.Resume {
		for start < len(order) && order[start].Status == StatusSuccess {
			start++
		}
	}
	log.Info("pipeline run started", "nodes", len(order), "start", start)

	for i, n := range order[start:] {
		if i > 0 {
			if err := sleepCtx(ctx, o.delay); err != nil {
				o.metrics.Runs.WithLabelValues("failed").Inc()
				s.log.Append(LogError, "Run interrupted: "+err.Error())
				return res, err
			}
		}
		nr, err := o.execute(ctx, s, n)
		res.Executed = append(res.Executed, nr)
		if err != nil {
			o.metrics.Runs.WithLabelValues("failed").Inc()
			log.Error("pipeline run halted", "node", n.ID, "error", err)
			return res, err
		}
	}

	if ds, err := o.engine.Datasets(ctx); err != nil {
		log.Warn("dataset refresh failed", "error", err)
	} else {
		s.setDatasets(ds)
	}

	res.Completed = true
	o.metrics.Runs.WithLabelValues("completed").Inc()
	s.log.Append(LogSuccess, fmt.Sprintf("Pipeline completed: %d nodes executed", len(res.Executed)))
	log.Info("pipeline run completed", "executed", len(res.Executed))
	return res, nil
}

// RunNode executes a single node. Other statuses are left untouched, nothing
// downstream runs and the remote cache is kept. Upstream nodes are not
// checked; the engine decides whether their output is available.
func (o *Orchestrator) RunNode(ctx context.Context, s *Session, nodeID string) (NodeResult, error) {
	n, ok := s.Node(nodeID)
	if !ok {
		return NodeResult{NodeID: nodeID}, ErrNodeNotFound
	}
	if err := s.beginRun(); err != nil {
		return NodeResult{NodeID: nodeID, Status: n.Status}, err
	}
	defer s.endRun()
	return o.execute(ctx, s, n)
}

// Preview returns a sample of the node's output. Only nodes whose last
// execution succeeded can be previewed; others are rejected without
// contacting the engine.
func (o *Orchestrator) Preview(ctx context.Context, s *Session, nodeID string) (*Preview, error) {
	n, ok := s.Node(nodeID)
	if !ok {
		return nil, ErrNodeNotFound
	}
	if n.Status != StatusSuccess {
		return nil, ErrNotExecuted
	}
	p, err := o.engine.PreviewNode(ctx, s.ModelID(), nodeID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: preview %s: %w", n.Label(), err)
	}
	return p, nil
}

func (o *Orchestrator) execute(ctx context.Context, s *Session, n Node) (NodeResult, error) {
	res := NodeResult{NodeID: n.ID}
	label := n.Label()

	if !s.setStatus(n.ID, StatusRunning) {
		res.Status = StatusError
		res.Error = ErrNodeNotFound.Error()
		return res, &NodeError{NodeID: n.ID, Label: label, Err: ErrNodeNotFound}
	}
	s.log.Append(LogInfo, fmt.Sprintf("Running %s (%s)", label, n.Type))

	start := time.Now()
	reply, err := o.callExecute(ctx, s.ModelID(), n.ID, s.Graph())
	res.Duration = time.Since(start)
	o.metrics.NodeDuration.WithLabelValues(string(n.Type)).Observe(res.Duration.Seconds())

	if err == nil && !reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = "engine reported failure"
		}
		err = errors.New(msg)
	}
	if err != nil {
		s.setStatus(n.ID, StatusError)
		res.Status = StatusError
		res.Error = err.Error()
		o.metrics.NodeExecutions.WithLabelValues(string(n.Type), string(StatusError)).Inc()
		s.log.Append(LogError, fmt.Sprintf("%s failed: %v", label, err))
		o.logger.Error("node execution failed", "model", s.ModelID(), "node", n.ID, "type", n.Type, "error", err)
		return res, &NodeError{NodeID: n.ID, Label: label, Err: err}
	}

	s.recordSuccess(n.ID, reply.RowCount)
	res.Status = StatusSuccess
	res.RowCount = reply.RowCount
	o.metrics.NodeExecutions.WithLabelValues(string(n.Type), string(StatusSuccess)).Inc()
	s.log.Append(LogSuccess, fmt.Sprintf("%s completed: %d rows", label, reply.RowCount))
	o.logger.Debug("node executed", "model", s.ModelID(), "node", n.ID, "rows", reply.RowCount, "duration", res.Duration)
	return res, nil
}

// callExecute turns engine panics and empty replies into errors.
func (o *Orchestrator) callExecute(ctx context.Context, modelID, nodeID string, g Graph) (reply *ExecuteResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, err = nil, fmt.Errorf("engine panic: %v", r)
		}
	}()
	reply, err = o.engine.ExecuteNode(ctx, modelID, nodeID, g)
	if err == nil && reply == nil {
		err = errors.New("engine returned no result")
	}
	return reply, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
