package graph

import (
	"github.com/codewandler/cimcore/core/cqrs"
	"github.com/codewandler/cimcore/core/es"
)

// Execute decides cmd against the current state. It raises the resulting
// events or returns a *cqrs.Rejection; it has no other effects.
func (g *Graph) Execute(cmd cqrs.Command) error {
	c, ok := cmd.(Command)
	if !ok {
		return cqrs.NotImplemented(cmd)
	}
	g.init()

	if _, creating := c.(CreateGraph); !creating {
		if err := cqrs.Check(
			cqrs.True(g.GetVersion() > 0, "graph_exists", "graph %s does not exist", g.GetID()),
			cqrs.False(g.state.Deleted, "graph_not_deleted", "graph %s is deleted", g.GetID()),
		); err != nil {
			return err
		}
	}

	switch c := c.(type) {
	case CreateGraph:
		if err := cqrs.Check(
			cqrs.True(g.GetVersion() == 0, "graph_new", "graph %s already exists", c.GraphID),
			cqrs.True(c.Name != "", "name_required", "graph name is empty"),
		); err != nil {
			return err
		}
		return es.RaiseAndApply(g, &GraphCreated{GraphID: c.GraphID, Name: c.Name, Description: c.Description})

	case RenameGraph:
		if err := cqrs.Check(cqrs.True(c.Name != "", "name_required", "graph name is empty")); err != nil {
			return err
		}
		if c.Name == g.state.Name {
			return nil
		}
		return es.RaiseAndApply(g, &GraphRenamed{OldName: g.state.Name, Name: c.Name})

	case TagGraph:
		if err := cqrs.Check(cqrs.True(c.Tag != "", "tag_required", "tag is empty")); err != nil {
			return err
		}
		if g.state.Tags.Contains(c.Tag) {
			return nil
		}
		return es.RaiseAndApply(g, &GraphTagged{Tag: c.Tag})

	case UntagGraph:
		if !g.state.Tags.Contains(c.Tag) {
			return nil
		}
		return es.RaiseAndApply(g, &GraphUntagged{Tag: c.Tag})

	case DeleteGraph:
		return es.RaiseAndApply(g, &GraphDeleted{})

	case AddNode:
		_, exists := g.Nodes[c.NodeID]
		if err := cqrs.Check(
			cqrs.True(c.NodeID != "", "node_id_required", "node id is empty"),
			cqrs.False(exists, "node_unique", "node %s already exists", c.NodeID),
			cqrs.True(len(g.Nodes) < MaxNodes, "max_nodes", "graph has reached %d nodes", MaxNodes),
		); err != nil {
			return err
		}
		return es.RaiseAndApply(g, &NodeAdded{
			NodeID:     c.NodeID,
			NodeType:   c.NodeType,
			Label:      c.Label,
			Position:   c.Position,
			Properties: c.Properties,
		})

	case UpdateNode:
		if err := g.nodeExists(c.NodeID); err != nil {
			return err
		}
		if c.Label == "" && len(c.Properties) == 0 {
			return nil
		}
		return es.RaiseAndApply(g, &NodeUpdated{NodeID: c.NodeID, Label: c.Label, Properties: c.Properties})

	case MoveNode:
		if err := g.nodeExists(c.NodeID); err != nil {
			return err
		}
		from := g.Nodes[c.NodeID].Position
		if from == c.Position {
			return nil
		}
		return es.RaiseAndApply(g, &NodeMoved{NodeID: c.NodeID, From: from, To: c.Position})

	case RemoveNode:
		if err := g.nodeExists(c.NodeID); err != nil {
			return err
		}
		// incident edges go first so that no edge ever outlives an endpoint
		var events []any
		for _, eid := range g.IncidentEdges(c.NodeID) {
			e := g.Edges[eid]
			events = append(events, &EdgeRemoved{EdgeID: e.ID, Source: e.Source, Target: e.Target})
		}
		events = append(events, &NodeRemoved{NodeID: c.NodeID})
		return es.RaiseAndApply(g, events...)

	case ConnectNodes:
		_, srcOK := g.Nodes[c.Source]
		_, dstOK := g.Nodes[c.Target]
		_, edgeExists := g.Edges[c.EdgeID]
		if err := cqrs.Check(
			cqrs.True(c.EdgeID != "", "edge_id_required", "edge id is empty"),
			cqrs.False(edgeExists, "edge_unique", "edge %s already exists", c.EdgeID),
			cqrs.True(srcOK, "source_exists", "source node %s does not exist", c.Source),
			cqrs.True(dstOK, "target_exists", "target node %s does not exist", c.Target),
			cqrs.True(c.Source != c.Target, "no_self_loop", "node %s cannot connect to itself", c.Source),
			cqrs.False(g.connected(c.Source, c.Target), "no_duplicate_edge", "nodes %s and %s are already connected", c.Source, c.Target),
			cqrs.True(len(g.Edges) < MaxEdges, "max_edges", "graph has reached %d edges", MaxEdges),
		); err != nil {
			return err
		}
		return es.RaiseAndApply(g, &EdgeConnected{EdgeID: c.EdgeID, Source: c.Source, Target: c.Target, Relationship: c.Relationship})

	case DisconnectEdge:
		e, ok := g.Edges[c.EdgeID]
		if err := cqrs.Check(cqrs.True(ok, "edge_exists", "edge %s does not exist", c.EdgeID)); err != nil {
			return err
		}
		return es.RaiseAndApply(g, &EdgeRemoved{EdgeID: e.ID, Source: e.Source, Target: e.Target})
	}
	return cqrs.NotImplemented(cmd)
}

func (g *Graph) nodeExists(id string) error {
	_, ok := g.Nodes[id]
	return cqrs.Check(cqrs.True(ok, "node_exists", "node %s does not exist", id))
}
