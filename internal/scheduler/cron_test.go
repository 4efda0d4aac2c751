package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunner_RejectsInvalidSchedule(t *testing.T) {
	r := NewRunner(zap.NewNop())
	err := r.Add("broken", "every now and then", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestRunner_RunAllInOrder(t *testing.T) {
	r := NewRunner(zap.NewNop())
	var order []string
	require.NoError(t, r.Add("process-occurrences", "@every 1h", func(context.Context) error {
		order = append(order, "process")
		return nil
	}))
	require.NoError(t, r.Add("relay-events", "*/30 * * * * *", func(context.Context) error {
		order = append(order, "relay")
		return errors.New("broker down")
	}))
	require.NoError(t, r.Add("deliver-notifications", "0 * * * *", func(context.Context) error {
		order = append(order, "deliver")
		return nil
	}))

	err := r.RunAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay-events: broker down")
	assert.Equal(t, []string{"process", "relay", "deliver"}, order)
}

func TestRunner_RunsOnSchedule(t *testing.T) {
	r := NewRunner(zap.NewNop())
	var runs atomic.Int32
	require.NoError(t, r.Add("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, r.Add("panics", "@every 1s", func(context.Context) error {
		panic("boom")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}
