//go:build integration

package docstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"call-insights-go/internal/types"
)

func TestScyllaCompareAndSet(t *testing.T) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "scylladb/scylla:6.2",
			ExposedPorts: []string{"9042/tcp"},
			Cmd:          []string{"--smp", "1", "--memory", "512M", "--overprovisioned", "1", "--developer-mode", "1"},
			WaitingFor:   wait.ForLog("Starting listening for CQL clients").WithStartupTimeout(120 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9042")
	require.NoError(t, err)

	s, err := NewScylla("callinsights_test", host+":"+port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateCall(ctx, newCall("call_lwt", time.Now().UTC())))
	assert.ErrorIs(t, s.CreateCall(ctx, newCall("call_lwt", time.Now().UTC())), types.ErrConflict)

	got, err := s.UpdateCall(ctx, "call_lwt", Update{ExpectStatus: types.StatusUploaded, Status: types.StatusTranscribing})
	require.NoError(t, err)
	assert.Equal(t, types.StatusTranscribing, got.Status)

	_, err = s.UpdateCall(ctx, "call_lwt", Update{ExpectStatus: types.StatusUploaded, Status: types.StatusTranscribing})
	assert.ErrorIs(t, err, types.ErrConflict)

	_, err = s.GetCall(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	all, err := s.ListCalls(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
