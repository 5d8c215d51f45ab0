// Package collab coordinates concurrent editing of one graph by several
// users: session membership, live cursors and selections, and exclusive
// per-element edit locks.
//
// Every transition is an event. The Manager decides, appends the events to
// the event store and only then folds them into its in-memory table, so the
// table can always be rebuilt from the store (see Manager.Restore and
// ActiveSessionsProjection).
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codewandler/cimcore/core/cqrs"
	"github.com/codewandler/cimcore/core/es"
	"github.com/codewandler/cimcore/core/perkey"
	"github.com/codewandler/cimcore/internal/reflector"
)

const (
	AggregateType   = "collab_session"
	DefaultMaxUsers = 50
)

type managerOpts struct {
	log      *slog.Logger
	now      func() time.Time
	maxUsers int
	metrics  Metrics
	subjects es.Subjects
	self     string
	members  func() []string
}

type Option func(*managerOpts)

func WithLog(log *slog.Logger) Option       { return func(o *managerOpts) { o.log = log } }
func WithClock(now func() time.Time) Option { return func(o *managerOpts) { o.now = now } }
func WithMetrics(m Metrics) Option          { return func(o *managerOpts) { o.metrics = m } }
func WithSubjects(s es.Subjects) Option     { return func(o *managerOpts) { o.subjects = s } }
func WithMaxUsersPerSession(n int) Option   { return func(o *managerOpts) { o.maxUsers = n } }

// WithOwnership makes the manager accept joins only for graphs that self
// owns among members (see Owner).
func WithOwnership(self string, members func() []string) Option {
	return func(o *managerOpts) {
		o.self = self
		o.members = members
	}
}

// Manager owns the session table of this process. Commands for one graph
// are serialized; different graphs proceed in parallel.
type Manager struct {
	store    es.EventStore
	log      *slog.Logger
	now      func() time.Time
	maxUsers int
	metrics  Metrics
	subjects es.Subjects
	self     string
	members  func() []string
	graphs   *perkey.Scheduler[string]

	mu       sync.RWMutex
	sessions map[string]*Session
	byGraph  map[string]string
}

func NewManager(store es.EventStore, opts ...Option) *Manager {
	o := managerOpts{
		log:      slog.Default(),
		now:      time.Now,
		maxUsers: DefaultMaxUsers,
		metrics:  NopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		store:    store,
		log:      o.log.With(slog.String("component", "collab")),
		now:      o.now,
		maxUsers: o.maxUsers,
		metrics:  o.metrics,
		subjects: o.subjects,
		self:     o.self,
		members:  o.members,
		graphs:   perkey.New[string](),
		sessions: map[string]*Session{},
		byGraph:  map[string]string{},
	}
}

func (m *Manager) Close() { m.graphs.Close() }

// Handle runs cmd and returns the events it stored. Lock contention is
// reported as *ElementLockedError, validation failures as *cqrs.Rejection.
func (m *Manager) Handle(ctx context.Context, cmd Command) (events []Event, err error) {
	defer func() { m.metrics.CommandHandled(reflector.TypeInfoOf(cmd).Name, err == nil) }()

	switch c := cmd.(type) {
	case JoinSession:
		if err := cqrs.Check(
			cqrs.True(c.GraphID != "", "graph_id_required", "graph id is empty"),
			cqrs.True(c.UserID != "", "user_id_required", "user id is empty"),
		); err != nil {
			return nil, err
		}
		if err := m.checkOwner(c.GraphID); err != nil {
			return nil, err
		}
		return m.onGraph(ctx, c.GraphID, func() ([]Event, error) { return m.join(ctx, c) })

	case LeaveSession:
		return m.withUser(ctx, c.SessionID, c.UserID, func(s *Session) ([]Event, error) {
			return m.commit(ctx, s, false, &UserLeftSession{EventMeta: m.meta(s, c.UserID), Reason: LeftByRequest})
		})

	case UpdateCursor:
		return m.withUser(ctx, c.SessionID, c.UserID, func(s *Session) ([]Event, error) {
			return m.commit(ctx, s, false, &CursorMoved{EventMeta: m.meta(s, c.UserID), Position: c.Position})
		})

	case UpdateSelection:
		return m.withUser(ctx, c.SessionID, c.UserID, func(s *Session) ([]Event, error) {
			return m.commit(ctx, s, false, &SelectionChanged{EventMeta: m.meta(s, c.UserID), Selection: c.Selection})
		})

	case StartEditing:
		if err := checkElement(c.Element); err != nil {
			return nil, err
		}
		return m.withUser(ctx, c.SessionID, c.UserID, func(s *Session) ([]Event, error) {
			holder, held := s.LockHolder(c.Element)
			switch {
			case held && holder == c.UserID:
				return nil, nil
			case held:
				m.metrics.LockContended()
				return nil, &ElementLockedError{Element: c.Element, Holder: holder}
			}
			return m.commit(ctx, s, false, &EditingStarted{EventMeta: m.meta(s, c.UserID), Element: c.Element})
		})

	case FinishEditing:
		if err := checkElement(c.Element); err != nil {
			return nil, err
		}
		return m.withUser(ctx, c.SessionID, c.UserID, func(s *Session) ([]Event, error) {
			if holder, held := s.LockHolder(c.Element); !held || holder != c.UserID {
				return nil, nil
			}
			return m.commit(ctx, s, false, &EditingFinished{EventMeta: m.meta(s, c.UserID), Element: c.Element})
		})

	case SynchronizeSession:
		return m.withSession(ctx, c.SessionID, func(s *Session) ([]Event, error) {
			return m.commit(ctx, s, false, &SessionSynchronized{
				EventMeta: m.meta(s, ""),
				Users:     s.Presences(),
				Locks:     s.HeldLocks(),
			})
		})

	case CleanupInactiveSessions:
		if err := cqrs.Check(cqrs.True(c.Threshold > 0, "threshold_positive", "threshold %s", c.Threshold)); err != nil {
			return nil, err
		}
		return m.cleanup(ctx, c.Threshold)
	}
	return nil, cqrs.NotImplemented(cmd)
}

func checkElement(k ElementKey) error {
	return cqrs.Check(
		cqrs.True(k.Type.Valid(), "element_type_valid", "unknown element type %q", k.Type),
		cqrs.True(k.ID != "", "element_id_required", "element id is empty"),
	)
}

func (m *Manager) checkOwner(graphID string) error {
	if m.members == nil {
		return nil
	}
	owner, ok := Owner(graphID, m.members())
	if !ok || owner == m.self {
		return nil
	}
	return &NotOwnerError{GraphID: graphID, Owner: owner}
}

func (m *Manager) meta(s *Session, userID string) EventMeta {
	return EventMeta{SessionID: s.ID, GraphID: s.GraphID, UserID: userID, At: m.now().UTC()}
}

func (m *Manager) onGraph(ctx context.Context, graphID string, fn func() ([]Event, error)) ([]Event, error) {
	var out []Event
	err := m.graphs.DoContext(ctx, graphID, func() (err error) {
		out, err = fn()
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withSession runs fn on the current state of the session, serialized with
// all other commands for the session's graph.
func (m *Manager) withSession(ctx context.Context, sessionID string, fn func(s *Session) ([]Event, error)) ([]Event, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.onGraph(ctx, s.GraphID, func() ([]Event, error) {
		m.mu.RLock()
		cur, ok := m.sessions[sessionID]
		m.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return fn(cur)
	})
}

func (m *Manager) withUser(ctx context.Context, sessionID, userID string, fn func(s *Session) ([]Event, error)) ([]Event, error) {
	return m.withSession(ctx, sessionID, func(s *Session) ([]Event, error) {
		if !s.HasUser(userID) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotInSession, userID)
		}
		return fn(s)
	})
}

func (m *Manager) join(ctx context.Context, c JoinSession) ([]Event, error) {
	m.mu.RLock()
	s := m.sessions[m.byGraph[c.GraphID]]
	m.mu.RUnlock()

	fresh := s == nil
	if fresh {
		s = newSession(uuid.NewString(), c.GraphID)
	}

	color := s.nextColor()
	if p, ok := s.Users[c.UserID]; ok {
		color = p.Color
	} else if s.UserCount() >= m.maxUsers {
		return nil, fmt.Errorf("%w: max %d users", ErrSessionFull, m.maxUsers)
	}
	return m.commit(ctx, s, fresh, &UserJoinedSession{EventMeta: m.meta(s, c.UserID), UserName: c.UserName, Color: color})
}

// commit appends evs to the session's stream and folds them into s. It must
// run under the graph's key.
func (m *Manager) commit(ctx context.Context, s *Session, fresh bool, evs ...Event) ([]Event, error) {
	payload := make([]any, len(evs))
	for i, ev := range evs {
		payload[i] = ev
	}
	res, err := es.AppendEvents(ctx, m.store, AggregateType, s.ID, s.Version, payload)
	if err != nil {
		return nil, fmt.Errorf("store session %s: %w", s.ID, err)
	}

	m.mu.Lock()
	for _, ev := range evs {
		s.apply(ev)
	}
	s.Version = res.LastVersion
	if fresh {
		m.sessions[s.ID] = s
		m.byGraph[s.GraphID] = s.ID
		m.log.Info("session created", slog.String("session_id", s.ID), slog.String("graph_id", s.GraphID))
	}
	if s.UserCount() == 0 {
		delete(m.sessions, s.ID)
		delete(m.byGraph, s.GraphID)
		m.log.Info("session closed", slog.String("session_id", s.ID), slog.String("graph_id", s.GraphID))
	}
	m.reportLocked()
	m.mu.Unlock()
	return evs, nil
}

func (m *Manager) reportLocked() {
	users := 0
	for _, s := range m.sessions {
		users += s.UserCount()
	}
	m.metrics.ActiveSessions(len(m.sessions))
	m.metrics.ActiveUsers(users)
}

func (m *Manager) cleanup(ctx context.Context, threshold time.Duration) ([]Event, error) {
	cutoff := m.now().Add(-threshold)

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)

	var (
		out  []Event
		errs []error
	)
	for _, id := range ids {
		evs, err := m.withSession(ctx, id, func(s *Session) ([]Event, error) {
			var leave []Event
			for _, p := range s.Presences() {
				if p.LastActivity.Before(cutoff) {
					leave = append(leave, &UserLeftSession{EventMeta: m.meta(s, p.UserID), Reason: LeftInactive})
				}
			}
			if len(leave) == 0 {
				return nil, nil
			}
			return m.commit(ctx, s, false, leave...)
		})
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, evs...)
	}
	if len(out) > 0 {
		m.log.Info("inactive users removed", slog.Int("count", len(out)))
	}
	return out, errors.Join(errs...)
}

// Restore replaces the session table with the state stored in the event
// store, keeping only sessions of graphs this member owns. It is meant to
// run once at startup, before any command.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	p := NewActiveSessionsProjection()
	n, err := p.Rebuild(ctx, m.store, m.subjects)
	if err != nil {
		return n, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = map[string]*Session{}
	m.byGraph = map[string]string{}
	for _, s := range p.Sessions() {
		if m.checkOwner(s.GraphID) != nil {
			continue
		}
		m.sessions[s.ID] = s
		m.byGraph[s.GraphID] = s.ID
	}
	m.reportLocked()
	return n, nil
}

func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Session returns a copy of the session.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// SessionForGraph returns a copy of the session of a graph.
func (m *Manager) SessionForGraph(graphID string) (*Session, bool) {
	m.mu.RLock()
	id, ok := m.byGraph[graphID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.Session(id)
}

func (m *Manager) LockHolder(sessionID string, k ElementKey) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.LockHolder(k)
}
