package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_DispatchAndRequeue(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(2)
	ch, err := q.Deliveries(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Dispatch(ctx, "j1"))
	require.NoError(t, q.Dispatch(ctx, "j2"))
	assert.ErrorIs(t, q.Dispatch(ctx, "j3"), ErrQueueFull)

	d := <-ch
	assert.Equal(t, "j1", d.JobID())
	require.NoError(t, d.Nack(true))
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, "j2", (<-ch).JobID())
	redelivered := <-ch
	assert.Equal(t, "j1", redelivered.JobID())
	require.NoError(t, redelivered.Ack())
	require.NoError(t, redelivered.Nack(false))
	assert.Zero(t, q.Len())
}
