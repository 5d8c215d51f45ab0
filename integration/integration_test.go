package integration

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cimcore/adapters/nats"
	"github.com/codewandler/cimcore/core/app"
	"github.com/codewandler/cimcore/core/es"
	"github.com/codewandler/cimcore/domain/collab"
	"github.com/codewandler/cimcore/domain/graph"
)

var members = []string{"node-a", "node-b"}

func startHost(t *testing.T, connect nats.Connector, nodeID string) *app.App {
	t.Helper()
	log := slog.Default().With(slog.String("node", nodeID))

	store, err := nats.NewEventStore(nats.EventStoreConfig{
		Connect:       connect,
		Log:           log,
		MemoryStorage: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	host, err := app.Run(app.Config{
		Log:             log,
		Store:           store,
		SequenceTimeout: time.Second,
		Collab:          app.CollabOptions{NodeID: nodeID, Members: members},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Stop(context.Background()) })
	return host
}

// graphOwnedBy returns a graph id whose sessions belong to nodeID.
func graphOwnedBy(nodeID string) string {
	for i := 0; ; i++ {
		id := fmt.Sprintf("graph-%d", i)
		if owner, _ := collab.Owner(id, members); owner == nodeID {
			return id
		}
	}
}

func TestIntegration(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	connect := nats.ReuseConnection(nats.NewTestContainer(t))
	hosts := map[string]*app.App{
		"node-a": startHost(t, connect, "node-a"),
		"node-b": startHost(t, connect, "node-b"),
	}
	ctx := t.Context()

	// graph commands are accepted on any host
	create := graph.NewCreateGraph("shop")
	_, err := hosts["node-a"].Execute(ctx, create)
	require.NoError(t, err)
	reply, err := hosts["node-b"].Execute(ctx, graph.NewAddNode(create.GraphID, "service", "api", graph.Position{}))
	require.NoError(t, err)
	require.Equal(t, es.Version(2), reply.Events[0].Version)

	g, err := hosts["node-a"].Graphs().Load(ctx, create.GraphID)
	require.NoError(t, err)
	require.Equal(t, 1, g.NodeCount())

	// sessions only on their owner
	graphs := map[string]string{}
	for nodeID, host := range hosts {
		graphID := graphOwnedBy(nodeID)
		graphs[nodeID] = graphID
		_, err := host.Execute(ctx, collab.JoinSession{GraphID: graphID, UserID: "ada"})
		require.NoError(t, err)
	}
	_, err = hosts["node-a"].Execute(ctx, collab.JoinSession{GraphID: graphs["node-b"], UserID: "bob"})
	var notOwner *collab.NotOwnerError
	require.ErrorAs(t, err, &notOwner)
	require.Equal(t, "node-b", notOwner.Owner)

	// every host sees every session
	for nodeID, host := range hosts {
		require.Eventually(t, func() bool {
			return host.Sessions().SessionCount() == 2
		}, 5*time.Second, 20*time.Millisecond, nodeID)
		require.Equal(t, 1, host.Collab().SessionCount(), nodeID)
	}

	// a restarted host picks up its sessions from the stream
	restarted := startHost(t, connect, "node-b")
	s, ok := restarted.Collab().SessionForGraph(graphs["node-b"])
	require.True(t, ok)
	require.True(t, s.HasUser("ada"))
}
