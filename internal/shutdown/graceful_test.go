package shutdown

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RunsHooksInOrder(t *testing.T) {
	m := NewManager(time.Second, logrus.New())

	var order []string
	m.Register("store", OrderCloseStore, func(ctx context.Context) error {
		order = append(order, "store")
		return nil
	})
	m.Register("server", OrderStopAcceptingRequests, func(ctx context.Context) error {
		order = append(order, "server")
		return nil
	})
	m.Register("output", OrderFlushOutputs, func(ctx context.Context) error {
		order = append(order, "output")
		return fmt.Errorf("flush failed")
	})

	assert.False(t, m.IsShuttingDown())
	m.Shutdown()
	m.Shutdown()

	err := m.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output: flush failed")
	assert.Equal(t, []string{"server", "output", "store"}, order)
	assert.True(t, m.IsShuttingDown())
	assert.Error(t, m.Context().Err())
}

func TestManager_Timeout(t *testing.T) {
	m := NewManager(20*time.Millisecond, logrus.New())

	called := false
	m.Register("slow", 1, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m.Register("skipped", 2, func(ctx context.Context) error {
		called = true
		return nil
	})

	go m.Shutdown()
	err := m.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}
