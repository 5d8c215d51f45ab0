package collab

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/codewandler/cimcore/core/es"
)

// ActiveSessionsProjection is the read model of all open sessions. It is a
// pure fold of collaboration events and tolerates redelivery: events at or
// below a session's applied version are ignored.
type ActiveSessionsProjection struct {
	reg *es.EventRegistry

	mu       sync.RWMutex
	sessions map[string]*Session
	ended    map[string]es.Version
}

func NewActiveSessionsProjection() *ActiveSessionsProjection {
	reg := es.NewRegistry()
	RegisterEvents(reg)
	return &ActiveSessionsProjection{
		reg:      reg,
		sessions: map[string]*Session{},
		ended:    map[string]es.Version{},
	}
}

// Registry decodes collaboration events, for consumers feeding Handle.
func (p *ActiveSessionsProjection) Registry() *es.EventRegistry { return p.reg }

// Apply folds ev without redelivery checks.
func (p *ActiveSessionsProjection) Apply(ev Event) { p.apply(ev, 0) }

// ApplyEnvelope decodes and folds one stored event.
func (p *ActiveSessionsProjection) ApplyEnvelope(_ context.Context, env es.Envelope) error {
	v, err := p.reg.Decode(env)
	if err != nil {
		return err
	}
	ev, ok := v.(Event)
	if !ok {
		return fmt.Errorf("%s is not a collaboration event", env.Type)
	}
	p.apply(ev, env.Version)
	return nil
}

// Handle makes the projection an es.Handler.
func (p *ActiveSessionsProjection) Handle(msg es.MsgCtx) error {
	ev, ok := msg.Event().(Event)
	if !ok {
		return nil
	}
	p.apply(ev, msg.Version())
	return nil
}

// Rebuild drops the current state and replays every stored session event.
func (p *ActiveSessionsProjection) Rebuild(ctx context.Context, store es.EventStore, subjects es.Subjects) (int, error) {
	p.mu.Lock()
	p.sessions = map[string]*Session{}
	p.ended = map[string]es.Version{}
	p.mu.Unlock()

	r, err := store.Replay(ctx, es.ReplayRequest{Subject: subjects.Type(AggregateType)})
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Stop() }()
	return es.ReplayInto(ctx, r, slog.Default(), p.ApplyEnvelope)
}

func (p *ActiveSessionsProjection) apply(ev Event, version es.Version) {
	h := ev.Header()

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[h.SessionID]
	if !ok {
		if version > 0 && version <= p.ended[h.SessionID] {
			return
		}
		switch ev.(type) {
		case *UserJoinedSession, *SessionSynchronized:
		default:
			return
		}
		s = newSession(h.SessionID, h.GraphID)
		p.sessions[s.ID] = s
	}
	if version > 0 && version <= s.Version {
		return
	}

	s.apply(ev)
	if version > 0 {
		s.Version = version
	}
	if s.UserCount() == 0 {
		delete(p.sessions, s.ID)
		p.ended[s.ID] = s.Version
	}
}

func (p *ActiveSessionsProjection) Session(sessionID string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Sessions returns copies of all sessions ordered by id.
func (p *ActiveSessionsProjection) Sessions() []*Session {
	return p.filter(func(*Session) bool { return true })
}

func (p *ActiveSessionsProjection) GraphSessions(graphID string) []*Session {
	return p.filter(func(s *Session) bool { return s.GraphID == graphID })
}

func (p *ActiveSessionsProjection) UserSessions(userID string) []*Session {
	return p.filter(func(s *Session) bool { return s.HasUser(userID) })
}

func (p *ActiveSessionsProjection) filter(keep func(*Session) bool) []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if keep(s) {
			out = append(out, s.clone())
		}
	}
	slices.SortFunc(out, func(a, b *Session) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (p *ActiveSessionsProjection) SessionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

func (p *ActiveSessionsProjection) UserCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, s := range p.sessions {
		n += s.UserCount()
	}
	return n
}
