package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meikuraledutech/pipeline"
	"github.com/meikuraledutech/pipeline/engine"
	"github.com/meikuraledutech/pipeline/postgres"
)

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	engineURL := os.Getenv("PIPELINE_ENGINE_URL")
	if engineURL == "" {
		engineURL = "http://localhost:8000"
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	// Wire up the postgres implementation behind the Store interface.
	var store pipeline.Store = postgres.New(pool)
	if err := store.CreateSchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}
	fmt.Println("schema created")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	eng := engine.New(engineURL, time.Minute, engine.WithLogger(logger))
	resolver := pipeline.NewResolver(eng, pipeline.WithResolverLogger(logger))
	orch := pipeline.NewOrchestrator(eng, pipeline.WithLogger(logger))

	// ── Build a graph ─────────────────────────────────────────────────
	s := pipeline.NewSession("orders-by-customer")
	orders := must(s.AddNode(pipeline.OpSource, pipeline.Position{X: 0, Y: 0}))
	customers := must(s.AddNode(pipeline.OpSource, pipeline.Position{X: 0, Y: 160}))
	join := must(s.AddNode(pipeline.OpJoin, pipeline.Position{X: 240, Y: 80}))
	group := must(s.AddNode(pipeline.OpGroup, pipeline.Position{X: 480, Y: 80}))
	sink := must(s.AddNode(pipeline.OpSink, pipeline.Position{X: 720, Y: 80}))

	check(s.PatchNodeData(orders, pipeline.Data{"table": "orders", "label": "Orders"}))
	check(s.PatchNodeData(customers, pipeline.Data{"table": "customers", "label": "Customers"}))
	check(s.PatchNodeData(join, pipeline.Data{"leftKey": "customer_id", "rightKey": "id"}))
	check(s.PatchNodeData(group, pipeline.Data{"groupBy": []string{"name"}, "aggFunc": "SUM", "aggColumn": "amount"}))
	check(s.PatchNodeData(sink, pipeline.Data{"table": "revenue_by_customer"}))

	check(s.AddConnection(orders, join))
	check(s.AddConnection(customers, join))
	check(s.AddConnection(join, group))
	check(s.AddConnection(group, sink))

	for _, n := range s.Graph().Nodes {
		fmt.Printf("%-10s %s\n", n.Type, pipeline.Summary(n))
		for _, issue := range pipeline.Check(n) {
			fmt.Printf("           ! %s: %s\n", issue.Key, issue.Message)
		}
	}

	// ── Lineage ───────────────────────────────────────────────────────
	jc, err := resolver.JoinInputs(ctx, s, join)
	if err != nil {
		log.Fatalf("join inputs: %v", err)
	}
	fmt.Println("\njoin inputs:")
	printJSON(jc)

	cols, err := resolver.InputColumns(ctx, s, group)
	if err != nil {
		log.Fatalf("input columns: %v", err)
	}
	fmt.Println("\ngroup sees:")
	printJSON(cols)

	// ── Save ──────────────────────────────────────────────────────────
	g := s.Graph()
	if err := store.SaveGraph(ctx, s.ModelID(), &g); err != nil {
		log.Fatalf("save: %v", err)
	}
	fmt.Println("\ngraph saved")

	// ── Run ───────────────────────────────────────────────────────────
	res, runErr := orch.RunAll(ctx, s, pipeline.RunOptions{})
	for _, e := range s.Log().Entries() {
		fmt.Printf("[%s] %s\n", e.Type, e.Message)
	}
	if runErr != nil {
		fmt.Printf("run stopped: %v\n", runErr)
	} else {
		p, err := orch.Preview(ctx, s, sink)
		if err != nil {
			log.Fatalf("preview: %v", err)
		}
		fmt.Println("\npreview:")
		printJSON(p)
	}
	printJSON(res)

	// ── Cleanup ───────────────────────────────────────────────────────
	if err := store.DeleteGraph(ctx, s.ModelID()); err != nil {
		log.Fatalf("delete: %v", err)
	}
	fmt.Println("\ngraph deleted")
}

func must(id string, err error) string {
	check(err)
	return id
}

func check(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
