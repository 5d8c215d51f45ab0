package collab

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/codewandler/cimcore/core/es"
	"github.com/codewandler/cimcore/domain/graph"
)

type ElementType string

const (
	ElementNode  ElementType = "node"
	ElementEdge  ElementType = "edge"
	ElementGraph ElementType = "graph"
)

func (t ElementType) Valid() bool {
	switch t {
	case ElementNode, ElementEdge, ElementGraph:
		return true
	}
	return false
}

// ElementKey identifies a lockable element within a session.
type ElementKey struct {
	Type ElementType `json:"element_type"`
	ID   string      `json:"element_id"`
}

func Node(id string) ElementKey { return ElementKey{Type: ElementNode, ID: id} }
func Edge(id string) ElementKey { return ElementKey{Type: ElementEdge, ID: id} }

func (k ElementKey) String() string { return string(k.Type) + ":" + k.ID }

type Selection struct {
	Nodes []string `json:"nodes,omitempty"`
	Edges []string `json:"edges,omitempty"`
}

type Presence struct {
	UserID       string          `json:"user_id"`
	Name         string          `json:"name"`
	Color        string          `json:"color"`
	Cursor       *graph.Position `json:"cursor,omitempty"`
	Selection    Selection       `json:"selection"`
	LastActivity time.Time       `json:"last_activity"`
}

// Palette holds the colours handed to joining users.
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FECA57",
	"#FF9FF3", "#54A0FF", "#48DBFB", "#0ABDE3", "#00D2D3",
}

// Session is the live state of one collaboration session. It is the fold of
// the session's events; values handed out by Manager and
// ActiveSessionsProjection are copies.
type Session struct {
	ID           string
	GraphID      string
	Users        map[string]Presence
	Locks        map[ElementKey]string
	CreatedAt    time.Time
	LastActivity time.Time
	// Version is the stream version of the last applied event.
	Version es.Version
}

func newSession(id, graphID string) *Session {
	return &Session{
		ID:      id,
		GraphID: graphID,
		Users:   map[string]Presence{},
		Locks:   map[ElementKey]string{},
	}
}

func (s *Session) HasUser(userID string) bool {
	_, ok := s.Users[userID]
	return ok
}

func (s *Session) UserCount() int { return len(s.Users) }

func (s *Session) LockHolder(k ElementKey) (string, bool) {
	u, ok := s.Locks[k]
	return u, ok
}

// Presences returns the users ordered by id.
func (s *Session) Presences() []Presence {
	out := slices.Collect(maps.Values(s.Users))
	slices.SortFunc(out, func(a, b Presence) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// HeldLocks returns the locks ordered by element.
func (s *Session) HeldLocks() []Lock {
	out := make([]Lock, 0, len(s.Locks))
	for k, u := range s.Locks {
		out = append(out, Lock{Element: k, UserID: u})
	}
	slices.SortFunc(out, func(a, b Lock) int { return strings.Compare(a.Element.String(), b.Element.String()) })
	return out
}

// nextColor picks the first palette colour nobody in the session uses.
func (s *Session) nextColor() string {
	used := make(map[string]bool, len(s.Users))
	for _, p := range s.Users {
		used[p.Color] = true
	}
	for _, c := range Palette {
		if !used[c] {
			return c
		}
	}
	return Palette[len(s.Users)%len(Palette)]
}

func (s *Session) apply(ev Event) {
	h := ev.Header()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = h.At
	}
	s.LastActivity = h.At

	touch := func(update func(p *Presence)) {
		p, ok := s.Users[h.UserID]
		if !ok {
			return
		}
		p.LastActivity = h.At
		if update != nil {
			update(&p)
		}
		s.Users[h.UserID] = p
	}

	switch e := ev.(type) {
	case *UserJoinedSession:
		s.Users[h.UserID] = Presence{UserID: h.UserID, Name: e.UserName, Color: e.Color, LastActivity: h.At}
	case *UserLeftSession:
		delete(s.Users, h.UserID)
		for k, u := range s.Locks {
			if u == h.UserID {
				delete(s.Locks, k)
			}
		}
	case *CursorMoved:
		pos := e.Position
		touch(func(p *Presence) { p.Cursor = &pos })
	case *SelectionChanged:
		touch(func(p *Presence) { p.Selection = e.Selection })
	case *EditingStarted:
		s.Locks[e.Element] = h.UserID
		touch(nil)
	case *EditingFinished:
		if s.Locks[e.Element] == h.UserID {
			delete(s.Locks, e.Element)
		}
		touch(nil)
	case *SessionSynchronized:
		s.Users = make(map[string]Presence, len(e.Users))
		for _, p := range e.Users {
			s.Users[p.UserID] = p
		}
		s.Locks = make(map[ElementKey]string, len(e.Locks))
		for _, l := range e.Locks {
			s.Locks[l.Element] = l.UserID
		}
	}
}

func (s *Session) clone() *Session {
	c := *s
	c.Users = maps.Clone(s.Users)
	c.Locks = maps.Clone(s.Locks)
	return &c
}
