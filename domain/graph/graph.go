// Package graph is the graph aggregate: nodes and edges addressed by id in
// maps, with an adjacency index so that cascades are lookups.
package graph

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/codewandler/cimcore/core/cqrs"
	"github.com/codewandler/cimcore/core/ds"
	"github.com/codewandler/cimcore/core/es"
)

const (
	AggregateType = "graph"

	MaxNodes = 10_000
	MaxEdges = 100_000
)

type Node struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Label      string            `json:"label"`
	Position   Position          `json:"position"`
	Properties map[string]string `json:"properties,omitempty"`
}

type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Relationship string `json:"relationship"`
}

type state struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Tags        ds.Set[string]   `json:"tags"`
	Deleted     bool             `json:"deleted,omitempty"`
	Nodes       map[string]*Node `json:"nodes"`
	Edges       map[string]*Edge `json:"edges"`
}

type Graph struct {
	es.BaseAggregate
	state

	// node id -> ids of incident edges
	adjacency map[string]*ds.Set[string]
}

func New(id string) *Graph {
	g := &Graph{}
	g.SetID(id)
	g.init()
	return g
}

func (g *Graph) init() {
	if g.Nodes == nil {
		g.Nodes = map[string]*Node{}
	}
	if g.Edges == nil {
		g.Edges = map[string]*Edge{}
	}
	if g.adjacency == nil {
		g.adjacency = map[string]*ds.Set[string]{}
	}
}

func (g *Graph) GetAggType() string      { return AggregateType }
func (g *Graph) Register(r es.Registrar) { RegisterEvents(r) }

func (g *Graph) Snapshot() ([]byte, error) { return json.Marshal(g.state) }

func (g *Graph) RestoreSnapshot(data []byte) error {
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	g.state = s
	g.adjacency = nil
	g.init()
	for _, e := range g.Edges {
		g.link(e)
	}
	return nil
}

// === Queries ===

func (g *Graph) Name() string        { return g.state.Name }
func (g *Graph) Description() string { return g.state.Description }
func (g *Graph) Tags() []string      { return g.state.Tags.Values() }
func (g *Graph) Deleted() bool       { return g.state.Deleted }
func (g *Graph) NodeCount() int      { return len(g.Nodes) }
func (g *Graph) EdgeCount() int      { return len(g.Edges) }

func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.Nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (g *Graph) Edge(id string) (Edge, bool) {
	e, ok := g.Edges[id]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// IncidentEdges returns the sorted ids of all edges touching node id.
func (g *Graph) IncidentEdges(id string) []string {
	adj, ok := g.adjacency[id]
	if !ok {
		return nil
	}
	return slices.Sorted(slices.Values(adj.Values()))
}

// Neighbors returns the sorted ids of nodes sharing an edge with node id.
func (g *Graph) Neighbors(id string) []string {
	seen := ds.NewSet[string]()
	for _, eid := range g.IncidentEdges(id) {
		e := g.Edges[eid]
		if e.Source == id {
			seen.Add(e.Target)
		} else {
			seen.Add(e.Source)
		}
	}
	return slices.Sorted(slices.Values(seen.Values()))
}

func (g *Graph) connected(a, b string) bool {
	for _, eid := range g.IncidentEdges(a) {
		e := g.Edges[eid]
		if (e.Source == a && e.Target == b) || (e.Source == b && e.Target == a) {
			return true
		}
	}
	return false
}

// === Fold ===

func (g *Graph) Apply(event any) error {
	g.init()
	switch e := event.(type) {
	case *GraphCreated:
		g.state.Name = e.Name
		g.state.Description = e.Description
	case *GraphRenamed:
		g.state.Name = e.Name
	case *GraphTagged:
		g.state.Tags.Add(e.Tag)
	case *GraphUntagged:
		g.state.Tags.Remove(e.Tag)
	case *GraphDeleted:
		g.state.Deleted = true
	case *NodeAdded:
		g.Nodes[e.NodeID] = &Node{
			ID:         e.NodeID,
			Type:       e.NodeType,
			Label:      e.Label,
			Position:   e.Position,
			Properties: maps.Clone(e.Properties),
		}
	case *NodeUpdated:
		n, ok := g.Nodes[e.NodeID]
		if !ok {
			return fmt.Errorf("node %s not found", e.NodeID)
		}
		if e.Label != "" {
			n.Label = e.Label
		}
		for k, v := range e.Properties {
			if n.Properties == nil {
				n.Properties = map[string]string{}
			}
			if v == "" {
				delete(n.Properties, k)
			} else {
				n.Properties[k] = v
			}
		}
	case *NodeMoved:
		n, ok := g.Nodes[e.NodeID]
		if !ok {
			return fmt.Errorf("node %s not found", e.NodeID)
		}
		n.Position = e.To
	case *NodeRemoved:
		delete(g.Nodes, e.NodeID)
		delete(g.adjacency, e.NodeID)
	case *EdgeConnected:
		edge := &Edge{ID: e.EdgeID, Source: e.Source, Target: e.Target, Relationship: e.Relationship}
		g.Edges[e.EdgeID] = edge
		g.link(edge)
	case *EdgeRemoved:
		if edge, ok := g.Edges[e.EdgeID]; ok {
			g.unlink(edge)
			delete(g.Edges, e.EdgeID)
		}
	default:
		return fmt.Errorf("unknown event: %T", event)
	}
	return nil
}

func (g *Graph) link(e *Edge) {
	for _, n := range []string{e.Source, e.Target} {
		adj, ok := g.adjacency[n]
		if !ok {
			adj = ds.NewSet[string]()
			g.adjacency[n] = adj
		}
		adj.Add(e.ID)
	}
}

func (g *Graph) unlink(e *Edge) {
	for _, n := range []string{e.Source, e.Target} {
		if adj, ok := g.adjacency[n]; ok {
			adj.Remove(e.ID)
			if adj.IsEmpty() {
				delete(g.adjacency, n)
			}
		}
	}
}

var (
	_ cqrs.Aggregate   = (*Graph)(nil)
	_ es.Snapshottable = (*Graph)(nil)
)
