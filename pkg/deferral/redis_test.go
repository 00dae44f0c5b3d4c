//go:build integration

package deferral_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dukex/courier/pkg/deferral"
)

func setupRedis(t *testing.T) (*redis.Client, context.Context) {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, client.Ping(ctx).Err())

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client, ctx
}

func TestRedisStore_DueOrder(t *testing.T) {
	client, ctx := setupRedis(t)
	store := deferral.NewRedisStoreWithClient(client, "test:order")

	require.NoError(t, store.Defer(ctx, deferral.Entry{ExecutionID: "e", TaskID: "late"}, base.Add(2*time.Minute)))
	require.NoError(t, store.Defer(ctx, deferral.Entry{ExecutionID: "e", TaskID: "early"}, base.Add(time.Minute)))
	require.NoError(t, store.Defer(ctx, deferral.Entry{ExecutionID: "e", TaskID: "future"}, base.Add(time.Hour)))

	due, err := store.Due(ctx, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []deferral.Entry{
		{ExecutionID: "e", TaskID: "early"},
		{ExecutionID: "e", TaskID: "late"},
	}, due)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisStore_ConcurrentDueReleasesOnce(t *testing.T) {
	client, ctx := setupRedis(t)
	store := deferral.NewRedisStoreWithClient(client, "test:concurrent")

	for i := range 100 {
		require.NoError(t, store.Defer(ctx, deferral.Entry{ExecutionID: "e", TaskID: fmt.Sprintf("t-%03d", i)}, base))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				due, err := store.Due(ctx, base, 7)
				if err != nil || len(due) == 0 {
					return
				}

				mu.Lock()
				for _, e := range due {
					seen[e.TaskID]++
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, seen, 100)

	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}
