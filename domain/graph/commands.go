package graph

import (
	"github.com/google/uuid"

	"github.com/codewandler/cimcore/core/cqrs"
)

// Command is the closed set of commands accepted by a Graph.
type Command interface {
	cqrs.Command
	isGraphCommand()
}

// CommandMeta carries the optional request id that makes a command safe to
// retry.
type CommandMeta struct {
	RequestID string `json:"request_id,omitempty"`
}

func (m CommandMeta) CommandID() string { return m.RequestID }

type (
	CreateGraph struct {
		CommandMeta
		GraphID     string `json:"graph_id"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	RenameGraph struct {
		CommandMeta
		GraphID string `json:"graph_id"`
		Name    string `json:"name"`
	}
	TagGraph struct {
		CommandMeta
		GraphID string `json:"graph_id"`
		Tag     string `json:"tag"`
	}
	UntagGraph struct {
		CommandMeta
		GraphID string `json:"graph_id"`
		Tag     string `json:"tag"`
	}
	DeleteGraph struct {
		CommandMeta
		GraphID string `json:"graph_id"`
	}
	AddNode struct {
		CommandMeta
		GraphID    string            `json:"graph_id"`
		NodeID     string            `json:"node_id"`
		NodeType   string            `json:"node_type"`
		Label      string            `json:"label"`
		Position   Position          `json:"position"`
		Properties map[string]string `json:"properties,omitempty"`
	}
	UpdateNode struct {
		CommandMeta
		GraphID string `json:"graph_id"`
		NodeID  string `json:"node_id"`
		// Label replaces the label when non-empty.
		Label string `json:"label,omitempty"`
		// Properties are merged; an empty value deletes the key.
		Properties map[string]string `json:"properties,omitempty"`
	}
	MoveNode struct {
		CommandMeta
		GraphID  string   `json:"graph_id"`
		NodeID   string   `json:"node_id"`
		Position Position `json:"position"`
	}
	RemoveNode struct {
		CommandMeta
		GraphID string `json:"graph_id"`
		NodeID  string `json:"node_id"`
	}
	ConnectNodes struct {
		CommandMeta
		GraphID      string `json:"graph_id"`
		EdgeID       string `json:"edge_id"`
		Source       string `json:"source"`
		Target       string `json:"target"`
		Relationship string `json:"relationship"`
	}
	DisconnectEdge struct {
		CommandMeta
		GraphID string `json:"graph_id"`
		EdgeID  string `json:"edge_id"`
	}
)

func (c CreateGraph) AggregateID() string    { return c.GraphID }
func (c RenameGraph) AggregateID() string    { return c.GraphID }
func (c TagGraph) AggregateID() string       { return c.GraphID }
func (c UntagGraph) AggregateID() string     { return c.GraphID }
func (c DeleteGraph) AggregateID() string    { return c.GraphID }
func (c AddNode) AggregateID() string        { return c.GraphID }
func (c UpdateNode) AggregateID() string     { return c.GraphID }
func (c MoveNode) AggregateID() string       { return c.GraphID }
func (c RemoveNode) AggregateID() string     { return c.GraphID }
func (c ConnectNodes) AggregateID() string   { return c.GraphID }
func (c DisconnectEdge) AggregateID() string { return c.GraphID }

func (CreateGraph) Creates() bool { return true }

func (CreateGraph) isGraphCommand()    {}
func (RenameGraph) isGraphCommand()    {}
func (TagGraph) isGraphCommand()       {}
func (UntagGraph) isGraphCommand()     {}
func (DeleteGraph) isGraphCommand()    {}
func (AddNode) isGraphCommand()        {}
func (UpdateNode) isGraphCommand()     {}
func (MoveNode) isGraphCommand()       {}
func (RemoveNode) isGraphCommand()     {}
func (ConnectNodes) isGraphCommand()   {}
func (DisconnectEdge) isGraphCommand() {}

// NewCreateGraph returns a CreateGraph for a fresh graph id.
func NewCreateGraph(name string) CreateGraph {
	return CreateGraph{GraphID: uuid.NewString(), Name: name}
}

// NewAddNode returns an AddNode for a fresh node id.
func NewAddNode(graphID, nodeType, label string, pos Position) AddNode {
	return AddNode{GraphID: graphID, NodeID: uuid.NewString(), NodeType: nodeType, Label: label, Position: pos}
}

// NewConnectNodes returns a ConnectNodes for a fresh edge id.
func NewConnectNodes(graphID, source, target, relationship string) ConnectNodes {
	return ConnectNodes{GraphID: graphID, EdgeID: uuid.NewString(), Source: source, Target: target, Relationship: relationship}
}
