package main

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meikuraledutech/pipeline"
)

// server bundles what the HTTP handlers need.
type server struct {
	store    pipeline.Store
	engine   pipeline.Engine
	hub      *hub
	resolver *pipeline.Resolver
	orch     *pipeline.Orchestrator
	registry *prometheus.Registry
}

type addNodeRequest struct {
	Type     pipeline.OperatorType `json:"type" validate:"required"`
	Position pipeline.Position     `json:"position"`
}

type connectRequest struct {
	SourceID string        `json:"sourceId" validate:"required"`
	TargetID string        `json:"targetId" validate:"required"`
	Port     pipeline.Port `json:"port" validate:"omitempty,oneof=left right"`
}

// graphReply is a replaced graph; Warning reports a cycle it was loaded with.
type graphReply struct {
	pipeline.Graph
	Warning string `json:"warning,omitempty"`
}

// nodeView is a node as shown on the canvas.
type nodeView struct {
	pipeline.Node
	Summary string           `json:"summary"`
	Issues  []pipeline.Issue `json:"issues"`
}

func viewOf(n pipeline.Node) nodeView {
	issues := pipeline.Check(n)
	if issues == nil {
		issues = []pipeline.Issue{}
	}
	return nodeView{Node: n, Summary: pipeline.Summary(n), Issues: issues}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// bind decodes the JSON body into req and checks its validate tags.
func bind(c fiber.Ctx, req any) error {
	if err := c.Bind().JSON(req); err != nil {
		return err
	}
	return validate.Struct(req)
}

// fail writes err as {"error": ...} with a status picked by sentinel.
func fail(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrNodeNotFound), errors.Is(err, pipeline.ErrConnectionNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, pipeline.ErrRunInProgress):
		status = fiber.StatusConflict
	case errors.Is(err, pipeline.ErrCycleDetected),
		errors.Is(err, pipeline.ErrSelfConnection),
		errors.Is(err, pipeline.ErrPortsFull),
		errors.Is(err, pipeline.ErrUnknownOperator),
		errors.Is(err, pipeline.ErrNotExecuted),
		errors.Is(err, pipeline.ErrExecutionFailed):
		status = fiber.StatusUnprocessableEntity
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func newApp(s *server) *fiber.App {
	app := fiber.New(fiber.Config{AppName: "pipeline"})

	// session resolves :model to its open session.
	session := func(c fiber.Ctx) (*pipeline.Session, error) {
		return s.hub.open(c.Context(), c.Params("model"))
	}

	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// ── Schema ────────────────────────────────────────────────────────
	app.Post("/schema", func(c fiber.Ctx) error {
		if err := s.store.CreateSchema(c.Context()); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"message": "schema created"})
	})

	app.Delete("/schema", func(c fiber.Ctx) error {
		if err := s.store.DropSchema(c.Context()); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"message": "schema dropped"})
	})

	// ── Registry ──────────────────────────────────────────────────────
	app.Get("/operators", func(c fiber.Ctx) error {
		return c.JSON(pipeline.Operators())
	})

	app.Get("/datasets", func(c fiber.Ctx) error {
		ds, err := s.engine.Datasets(c.Context())
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(ds)
	})

	// ── Models ────────────────────────────────────────────────────────
	app.Get("/models", func(c fiber.Ctx) error {
		stored, err := s.store.ListModels(c.Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"stored": stored, "open": s.hub.models()})
	})

	app.Get("/models/:model/graph", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		g := sess.Graph()
		views := make([]nodeView, 0, len(g.Nodes))
		for _, n := range g.Nodes {
			views = append(views, viewOf(n))
		}
		return c.JSON(fiber.Map{"nodes": views, "connections": g.Connections})
	})

	app.Put("/models/:model/graph", func(c fiber.Ctx) error {
		var g pipeline.Graph
		if err := c.Bind().JSON(&g); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		if sess.Running() {
			return fail(c, pipeline.ErrRunInProgress)
		}
		sess.Load(g)
		reply := graphReply{Graph: sess.Graph()}
		if err := pipeline.DetectCycle(reply.Nodes, reply.Connections); err != nil {
			reply.Warning = err.Error()
		}
		return c.JSON(reply)
	})

	app.Post("/models/:model/save", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		if err := s.hub.save(c.Context(), sess); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"message": "saved"})
	})

	app.Delete("/models/:model/session", func(c fiber.Ctx) error {
		if !s.hub.close(c.Params("model")) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "model not open"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/models/:model", func(c fiber.Ctx) error {
		if err := s.store.DeleteGraph(c.Context(), c.Params("model")); err != nil {
			return fail(c, err)
		}
		s.hub.close(c.Params("model"))
		return c.SendStatus(fiber.StatusNoContent)
	})

	// ── Nodes ─────────────────────────────────────────────────────────
	app.Post("/models/:model/nodes", func(c fiber.Ctx) error {
		var req addNodeRequest
		if err := bind(c, &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		id, err := sess.AddNode(req.Type, req.Position)
		if err != nil {
			return fail(c, err)
		}
		n, _ := sess.Node(id)
		return c.Status(fiber.StatusCreated).JSON(viewOf(n))
	})

	app.Get("/models/:model/nodes/:id", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		n, ok := sess.Node(c.Params("id"))
		if !ok {
			return fail(c, pipeline.ErrNodeNotFound)
		}
		return c.JSON(viewOf(n))
	})

	app.Patch("/models/:model/nodes/:id", func(c fiber.Ctx) error {
		var patch pipeline.Data
		if err := c.Bind().JSON(&patch); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		id := c.Params("id")
		if err := sess.PatchNodeData(id, patch); err != nil {
			return fail(c, err)
		}
		n, _ := sess.Node(id)
		return c.JSON(viewOf(n))
	})

	app.Put("/models/:model/nodes/:id/position", func(c fiber.Ctx) error {
		var pos pipeline.Position
		if err := c.Bind().JSON(&pos); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		if err := sess.MoveNode(c.Params("id"), pos); err != nil {
			return fail(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/models/:model/nodes/:id", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		if err := sess.RemoveNode(c.Params("id")); err != nil {
			return fail(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/models/:model/nodes/:id/columns", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		id := c.Params("id")
		n, ok := sess.Node(id)
		if !ok {
			return fail(c, pipeline.ErrNodeNotFound)
		}
		if n.Type == pipeline.OpJoin {
			jc, err := s.resolver.JoinInputs(c.Context(), sess, id)
			if err != nil {
				return fail(c, err)
			}
			return c.JSON(jc)
		}
		cols, err := s.resolver.InputColumns(c.Context(), sess, id)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"columns": cols})
	})

	// ── Connections ───────────────────────────────────────────────────
	app.Post("/models/:model/connections", func(c fiber.Ctx) error {
		var req connectRequest
		if err := bind(c, &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		conn := pipeline.Connection{SourceID: req.SourceID, TargetID: req.TargetID, Port: req.Port}
		if err := sess.Connect(conn); err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"connections": sess.Graph().Connections})
	})

	app.Delete("/models/:model/connections/:index", func(c fiber.Ctx) error {
		index, err := strconv.Atoi(c.Params("index"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid index"})
		}
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		if err := sess.RemoveConnection(index); err != nil {
			return fail(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	// ── Execution ─────────────────────────────────────────────────────
	app.Post("/models/:model/run", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		res, err := s.orch.RunAll(c.Context(), sess, pipeline.RunOptions{Resume: c.Query("resume") == "true"})
		if errors.Is(err, pipeline.ErrExecutionFailed) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error(), "result": res})
		}
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(res)
	})

	app.Post("/models/:model/nodes/:id/run", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		res, err := s.orch.RunNode(c.Context(), sess, c.Params("id"))
		if errors.Is(err, pipeline.ErrExecutionFailed) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error(), "result": res})
		}
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(res)
	})

	app.Get("/models/:model/nodes/:id/preview", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		p, err := s.orch.Preview(c.Context(), sess, c.Params("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(p)
	})

	app.Get("/models/:model/levels", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		g := sess.Graph()
		tiers, err := pipeline.Levels(g.Nodes, g.Connections)
		if err != nil {
			return fail(c, err)
		}
		out := make([][]string, 0, len(tiers))
		for _, tier := range tiers {
			ids := make([]string, 0, len(tier))
			for _, n := range tier {
				ids = append(ids, n.ID)
			}
			out = append(out, ids)
		}
		return c.JSON(fiber.Map{"levels": out})
	})

	app.Get("/models/:model/logs", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(sess.Log().Entries())
	})

	app.Get("/models/:model/datasets", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(sess.Datasets())
	})

	// table-change event: the next lookup refetches this table's columns
	app.Post("/models/:model/tables/:table/invalidate", func(c fiber.Ctx) error {
		sess, err := session(c)
		if err != nil {
			return fail(c, err)
		}
		sess.InvalidateTable(c.Params("table"))
		return c.SendStatus(fiber.StatusNoContent)
	})

	return app
}
