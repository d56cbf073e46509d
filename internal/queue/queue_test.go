package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func TestQueueIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	addr := startRedis(t)
	q, err := New(addr, "crucible:tasks:test", zap.NewNop())
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()

	t.Run("PublishConsumeAck", func(t *testing.T) {
		require.NoError(t, q.Publish(ctx, "task-a"))
		require.NoError(t, q.Publish(ctx, "task-b"))

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 2, depth)

		var got []string
		consumeCtx, cancel := context.WithCancel(ctx)
		err = q.Consume(consumeCtx, "consumer-1", func(ctx context.Context, id string) Ack {
			got = append(got, id)
			if len(got) == 2 {
				cancel()
			}
			return AckDone
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, []string{"task-a", "task-b"}, got)

		depth, err = q.Depth(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 0, depth)
	})

	t.Run("NackRequeueRedelivers", func(t *testing.T) {
		require.NoError(t, q.Publish(ctx, "task-retry"))

		deliveries := 0
		consumeCtx, cancel := context.WithCancel(ctx)
		err := q.Consume(consumeCtx, "consumer-1", func(ctx context.Context, id string) Ack {
			deliveries++
			if deliveries == 1 {
				return NackRequeue
			}
			cancel()
			return AckDone
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 2, deliveries)
	})

	t.Run("NackDropDiscards", func(t *testing.T) {
		require.NoError(t, q.Publish(ctx, "task-gone"))

		consumeCtx, cancel := context.WithCancel(ctx)
		err := q.Consume(consumeCtx, "consumer-1", func(ctx context.Context, id string) Ack {
			cancel()
			return NackDrop
		})
		require.ErrorIs(t, err, context.Canceled)

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 0, depth)
	})

	t.Run("RecoverRequeuesInFlight", func(t *testing.T) {
		// Simulate a crash: id sits in the processing list, never acked.
		require.NoError(t, q.client.LPush(ctx, q.processingKey("consumer-1"), "task-crashed").Err())

		n, err := q.Recover(ctx, "consumer-1")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, depth)

		consumeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var got string
		err = q.Consume(consumeCtx, "consumer-1", func(ctx context.Context, id string) Ack {
			got = id
			cancel()
			return AckDone
		})
		require.Error(t, err)
		require.Equal(t, "task-crashed", got)
	})

	t.Run("RecoverAfterRestart", func(t *testing.T) {
		// A restarted worker is a new connection; with the same consumer name
		// it must still drain what the previous process left in flight.
		require.NoError(t, q.client.LPush(ctx, q.processingKey("worker-host"), "task-orphan").Err())

		restarted, err := New(addr, "crucible:tasks:test", zap.NewNop())
		require.NoError(t, err)
		defer restarted.Close()

		n, err := restarted.Recover(ctx, "worker-host")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		depth, err := restarted.Depth(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, depth)
	})
}
