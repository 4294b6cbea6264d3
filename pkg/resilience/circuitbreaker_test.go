package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/engine/internal/engineerr"
)

func TestCircuitBreaker_OpensAfterErrorThresholdExceeded(t *testing.T) {
	cfg := DefaultConfig("agent-1")
	cfg.VolumeThreshold = 4
	cfg.ErrorThreshold = 0.5
	cfg.WindowSize = time.Second
	cfg.BucketCount = 4
	cb := New(cfg, nil)

	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), failing)
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreaker_HalfOpenRecoversOnSuccess(t *testing.T) {
	cfg := DefaultConfig("agent-1")
	cfg.VolumeThreshold = 2
	cfg.ErrorThreshold = 0.5
	cfg.SleepWindow = 10 * time.Millisecond
	cfg.HalfOpenRequests = 2
	cfg.SuccessThreshold = 0.5
	cb := New(cfg, nil)

	cb.ForceOpen()
	time.Sleep(20 * time.Millisecond)

	ok := func(ctx context.Context) error { return nil }
	require.NoError(t, cb.Execute(context.Background(), ok))
	require.NoError(t, cb.Execute(context.Background(), ok))

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_RejectsInputErrorsFromClassification(t *testing.T) {
	assert.False(t, DefaultErrorClassifier(nil))
	assert.False(t, DefaultErrorClassifier(engineerr.New("depgraph.AddEdge", engineerr.KindInput, engineerr.ErrCyclicEdge)))
}

func TestCircuitBreaker_StateChangeListenerFires(t *testing.T) {
	cfg := DefaultConfig("agent-1")
	cb := New(cfg, nil)
	var transitions []State
	cb.AddStateChangeListener(func(name string, from, to State) {
		transitions = append(transitions, to)
	})
	cb.ForceOpen()
	require.Len(t, transitions, 1)
	assert.Equal(t, StateOpen, transitions[0])
}
