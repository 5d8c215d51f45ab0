package nats

import (
	"context"
	"os"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultTestImage = "nats:2.11"

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a JetStream enabled server for the lifetime of t.
// NATS_TEST_IMAGE overrides the image.
func NewTestContainer(t Testing) Connector {
	image := os.Getenv("NATS_TEST_IMAGE")
	if image == "" {
		image = defaultTestImage
	}

	natsC, err := testcontainers.Run(
		t.Context(), image,
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := natsC.PortEndpoint(t.Context(), "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats endpoint: %s", endpoint)
	return ConnectURL(endpoint)
}
