package graph

import "github.com/codewandler/cimcore/core/es"

// Event is the closed set of events a Graph folds.
type Event interface {
	isGraphEvent()
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type (
	GraphCreated struct {
		GraphID     string `json:"graph_id"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	GraphRenamed struct {
		OldName string `json:"old_name"`
		Name    string `json:"name"`
	}
	GraphTagged struct {
		Tag string `json:"tag"`
	}
	GraphUntagged struct {
		Tag string `json:"tag"`
	}
	GraphDeleted struct{}
	NodeAdded    struct {
		NodeID     string            `json:"node_id"`
		NodeType   string            `json:"node_type"`
		Label      string            `json:"label"`
		Position   Position          `json:"position"`
		Properties map[string]string `json:"properties,omitempty"`
	}
	NodeUpdated struct {
		NodeID     string            `json:"node_id"`
		Label      string            `json:"label,omitempty"`
		Properties map[string]string `json:"properties,omitempty"`
	}
	NodeMoved struct {
		NodeID string   `json:"node_id"`
		From   Position `json:"from"`
		To     Position `json:"to"`
	}
	NodeRemoved struct {
		NodeID string `json:"node_id"`
	}
	EdgeConnected struct {
		EdgeID       string `json:"edge_id"`
		Source       string `json:"source"`
		Target       string `json:"target"`
		Relationship string `json:"relationship"`
	}
	EdgeRemoved struct {
		EdgeID string `json:"edge_id"`
		Source string `json:"source"`
		Target string `json:"target"`
	}
)

func (*GraphCreated) isGraphEvent()  {}
func (*GraphRenamed) isGraphEvent()  {}
func (*GraphTagged) isGraphEvent()   {}
func (*GraphUntagged) isGraphEvent() {}
func (*GraphDeleted) isGraphEvent()  {}
func (*NodeAdded) isGraphEvent()     {}
func (*NodeUpdated) isGraphEvent()   {}
func (*NodeMoved) isGraphEvent()     {}
func (*NodeRemoved) isGraphEvent()   {}
func (*EdgeConnected) isGraphEvent() {}
func (*EdgeRemoved) isGraphEvent()   {}

// RegisterEvents registers every graph event type.
func RegisterEvents(r es.Registrar) {
	es.RegisterEvents(r,
		es.Event[GraphCreated](),
		es.Event[GraphRenamed](),
		es.Event[GraphTagged](),
		es.Event[GraphUntagged](),
		es.Event[GraphDeleted](),
		es.Event[NodeAdded](),
		es.Event[NodeUpdated](),
		es.Event[NodeMoved](),
		es.Event[NodeRemoved](),
		es.Event[EdgeConnected](),
		es.Event[EdgeRemoved](),
	)
}
