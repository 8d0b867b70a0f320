package nats

import (
	"context"
	"fmt"

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

// NewTestConnector starts a JetStream server and returns a Connector to it
// from a fresh Pool.
func NewTestConnector(t Testing) Connector {
	return NewPool(nil).Connector(StartTestServer(t))
}

// StartTestServer starts a JetStream server and returns its URL.
func StartTestServer(t Testing) string {
	ctx := t.Context()
	natsC, err := testcontainers.Run(
		ctx, "nats:2.11",
		testcontainers.WithCmd("-js", "-sd", "/data"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(wait.ForLog("Server is ready")),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Logf("terminate nats container: %s", err)
		}
	})

	host, err := natsC.Host(ctx)
	require.NoError(t, err)
	port, err := natsC.MappedPort(ctx, "4222/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}
