package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/meikuraledutech/pipeline"
)

// hub keeps one editing session per open model.
type hub struct {
	store pipeline.Store

	mu       sync.Mutex
	sessions map[string]*pipeline.Session
}

func newHub(store pipeline.Store) *hub {
	return &hub{store: store, sessions: make(map[string]*pipeline.Session)}
}

// open returns the session of model, loading the stored graph_config on
// first access. A model with nothing stored opens empty. model may alias a
// request buffer; the hub keeps its own copy.
func (h *hub) open(ctx context.Context, model string) (*pipeline.Session, error) {
	h.mu.Lock()
	s, ok := h.sessions[model]
	h.mu.Unlock()
	if ok {
		return s, nil
	}

	model = strings.Clone(model)
	g, err := h.store.LoadGraph(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", model, err)
	}
	loaded := pipeline.NewSession(model)
	if g != nil {
		loaded.Load(*g)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// another request may have opened it during the load
	if s, ok := h.sessions[model]; ok {
		return s, nil
	}
	h.sessions[model] = loaded
	return loaded, nil
}

// save persists the current graph of an open model.
func (h *hub) save(ctx context.Context, s *pipeline.Session) error {
	g := s.Graph()
	return h.store.SaveGraph(ctx, s.ModelID(), &g)
}

// close drops the session of model, as when the editor exits. Unsaved edits
// are lost.
func (h *hub) close(model string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[model]
	if !ok {
		return false
	}
	s.Reset()
	delete(h.sessions, model)
	return true
}

// models returns the ids of the open sessions, sorted.
func (h *hub) models() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
