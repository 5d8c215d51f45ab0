package collab

import (
	"time"

	"github.com/codewandler/cimcore/core/es"
	"github.com/codewandler/cimcore/domain/graph"
)

// Event is one of the collaboration events below. Events are stored under
// aggregate type "collab_session" with the session id as aggregate id.
type Event interface {
	Header() EventMeta
	isCollabEvent()
}

// EventMeta is common to all collaboration events.
type EventMeta struct {
	SessionID string    `json:"session_id"`
	GraphID   string    `json:"graph_id"`
	UserID    string    `json:"user_id,omitempty"`
	At        time.Time `json:"at"`
}

func (m EventMeta) Header() EventMeta { return m }

type LeaveReason string

const (
	LeftByRequest LeaveReason = "left"
	LeftInactive  LeaveReason = "inactive"
)

// Lock is one held element lock.
type Lock struct {
	Element ElementKey `json:"element"`
	UserID  string     `json:"user_id"`
}

type (
	UserJoinedSession struct {
		EventMeta
		UserName string `json:"user_name"`
		Color    string `json:"color"`
	}
	UserLeftSession struct {
		EventMeta
		Reason LeaveReason `json:"reason"`
	}
	CursorMoved struct {
		EventMeta
		Position graph.Position `json:"position"`
	}
	SelectionChanged struct {
		EventMeta
		Selection Selection `json:"selection"`
	}
	EditingStarted struct {
		EventMeta
		Element ElementKey `json:"element"`
	}
	EditingFinished struct {
		EventMeta
		Element ElementKey `json:"element"`
	}
	SessionSynchronized struct {
		EventMeta
		Users []Presence `json:"users"`
		Locks []Lock     `json:"locks"`
	}
)

func (*UserJoinedSession) isCollabEvent()   {}
func (*UserLeftSession) isCollabEvent()     {}
func (*CursorMoved) isCollabEvent()         {}
func (*SelectionChanged) isCollabEvent()    {}
func (*EditingStarted) isCollabEvent()      {}
func (*EditingFinished) isCollabEvent()     {}
func (*SessionSynchronized) isCollabEvent() {}

func RegisterEvents(r es.Registrar) {
	es.RegisterEvents(r,
		es.Event[UserJoinedSession](),
		es.Event[UserLeftSession](),
		es.Event[CursorMoved](),
		es.Event[SelectionChanged](),
		es.Event[EditingStarted](),
		es.Event[EditingFinished](),
		es.Event[SessionSynchronized](),
	)
}
