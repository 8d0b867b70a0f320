package zookeeper

import (
	"context"
	"net"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// StartTestServer starts a standalone ZooKeeper and returns its host:port.
func StartTestServer(t Testing) string {
	ctx := t.Context()
	zkC, err := testcontainers.Run(
		ctx, "zookeeper:3.9",
		testcontainers.WithEnv(map[string]string{"ZOO_STANDALONE_ENABLED": "true"}),
		testcontainers.WithExposedPorts("2181/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("2181/tcp")),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(zkC); err != nil {
			t.Logf("terminate zookeeper container: %s", err)
		}
	})

	host, err := zkC.Host(ctx)
	require.NoError(t, err)
	port, err := zkC.MappedPort(ctx, "2181/tcp")
	require.NoError(t, err)
	return net.JoinHostPort(host, port.Port())
}
