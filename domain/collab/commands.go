package collab

import (
	"time"

	"github.com/codewandler/cimcore/domain/graph"
)

// Command is one of the collaboration commands below.
type Command interface {
	isCollabCommand()
}

type (
	// JoinSession adds a user to the session of a graph, creating the
	// session on first join.
	JoinSession struct {
		GraphID  string `json:"graph_id"`
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
	}
	LeaveSession struct {
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
	}
	UpdateCursor struct {
		SessionID string         `json:"session_id"`
		UserID    string         `json:"user_id"`
		Position  graph.Position `json:"position"`
	}
	UpdateSelection struct {
		SessionID string    `json:"session_id"`
		UserID    string    `json:"user_id"`
		Selection Selection `json:"selection"`
	}
	StartEditing struct {
		SessionID string     `json:"session_id"`
		UserID    string     `json:"user_id"`
		Element   ElementKey `json:"element"`
	}
	FinishEditing struct {
		SessionID string     `json:"session_id"`
		UserID    string     `json:"user_id"`
		Element   ElementKey `json:"element"`
	}
	// SynchronizeSession emits the full presence and lock state of a
	// session, for clients that lost track.
	SynchronizeSession struct {
		SessionID string `json:"session_id"`
	}
	// CleanupInactiveSessions removes users without activity for longer
	// than Threshold, and with them sessions that become empty.
	CleanupInactiveSessions struct {
		Threshold time.Duration `json:"threshold"`
	}
)

func (JoinSession) isCollabCommand()             {}
func (LeaveSession) isCollabCommand()            {}
func (UpdateCursor) isCollabCommand()            {}
func (UpdateSelection) isCollabCommand()         {}
func (StartEditing) isCollabCommand()            {}
func (FinishEditing) isCollabCommand()           {}
func (SynchronizeSession) isCollabCommand()      {}
func (CleanupInactiveSessions) isCollabCommand() {}
