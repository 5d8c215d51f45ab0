// Package app assembles a collaboration host from an event store: the graph
// command handler, the collaboration session manager, a consumer keeping the
// active-sessions read model current and a bounded command bridge in front
// of both.
//
// # Basic Usage
//
//	a, err := app.Run(app.Config{
//	    Store:       natsStore,
//	    Snapshotter: snapshotter,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer a.Stop(context.Background())
//
//	create := graph.NewCreateGraph("architecture")
//	reply, err := a.Execute(ctx, create)
//
//	reply, err = a.Execute(ctx, collab.JoinSession{
//	    GraphID: create.GraphID, UserID: "u1", UserName: "Ada",
//	})
//
// Execute accepts any graph.Command or collab.Command. Submit queues a
// command without waiting; its outcome arrives on Results.
//
// # Multiple Hosts
//
// Hosts sharing one stream set Collab.NodeID and the same Collab.Members.
// Sessions are owned by graph id using rendezvous hashing, so a host only
// accepts joins for graphs it owns and membership changes move few graphs.
package app
