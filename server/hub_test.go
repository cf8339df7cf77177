package main

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/pipeline"
)

// slowStore blocks LoadGraph of one model until release is closed.
type slowStore struct {
	*memStore
	model   string
	started chan struct{}
	release chan struct{}
}

func (s *slowStore) LoadGraph(ctx context.Context, model string) (*pipeline.Graph, error) {
	if model == s.model {
		close(s.started)
		<-s.release
	}
	return s.memStore.LoadGraph(ctx, model)
}

func TestHub_SlowLoadDoesNotBlockOtherModels(t *testing.T) {
	store := &slowStore{
		memStore: &memStore{graphs: map[string]pipeline.Graph{}},
		model:    "slow",
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	h := newHub(store)

	slowDone := make(chan *pipeline.Session)
	go func() {
		s, err := h.open(context.Background(), "slow")
		assert.NoError(t, err)
		slowDone <- s
	}()
	<-store.started

	fastDone := make(chan struct{})
	go func() {
		s, err := h.open(context.Background(), "fast")
		assert.NoError(t, err)
		assert.Equal(t, "fast", s.ModelID())
		close(fastDone)
	}()
	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("opening another model waited for the slow load")
	}

	close(store.release)
	slow := <-slowDone
	require.NotNil(t, slow)

	again, err := h.open(context.Background(), "slow")
	require.NoError(t, err)
	assert.Same(t, slow, again)
	assert.Equal(t, []string{"fast", "slow"}, h.models())
}

func TestHub_KeepsOwnCopyOfModelID(t *testing.T) {
	h := newHub(&memStore{graphs: map[string]pipeline.Graph{}})

	// alias the bytes the way fiber's zero-copy params do
	buf := []byte("model-a")
	s, err := h.open(context.Background(), unsafe.String(&buf[0], len(buf)))
	require.NoError(t, err)
	copy(buf, "model-b")

	assert.Equal(t, "model-a", s.ModelID())
	assert.Equal(t, []string{"model-a"}, h.models())
}
