package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_RefreshesOnStart(t *testing.T) {
	s, clk := newTestScorer(t)
	recordAt(t, s, clk, t0.Add(-day), "agent-1", EventTaskCompleted, "")

	w := NewWorker(s, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := s.GetCachedScore(context.Background(), "agent-1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	s, _ := newTestScorer(t)
	w := NewWorker(s, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.NotNil(t, w)
}
