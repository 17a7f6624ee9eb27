package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type int

const (
	TypeInteractive Type = iota + 1
	TypeExecution
)

func (t Type) String() string {
	switch t {
	case TypeInteractive:
		return "interactive"
	case TypeExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// Session is one live registry entry. Close runs the session's teardown
// exactly once, no matter how many peers signal closure.
type Session struct {
	ID          string
	Type        Type
	ResourceID  string
	PrincipalID string
	CreatedAt   time.Time

	closeOnce sync.Once
	closeFn   func()
	done      chan struct{}
}

// Close transitions the session to its terminal state, running the teardown
// hook on the first call only. It reports whether this call performed the
// close.
func (s *Session) Close() bool {
	performed := false
	s.closeOnce.Do(func() {
		performed = true
		close(s.done)
		if s.closeFn != nil {
			s.closeFn()
		}
	})
	return performed
}

// Done is closed when the session reaches its terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Info is a read-only snapshot of a registry entry.
type Info struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ResourceID  string    `json:"resource_id"`
	PrincipalID string    `json:"principal_id"`
	CreatedAt   time.Time `json:"created_at"`
	Closed      bool      `json:"closed"`
}

// Registry is the process-wide table of live sessions. A background sweep
// force-closes and removes sessions older than maxAge: remote channels can
// wedge without ever signalling closure, and resource retention must stay
// bounded regardless of remote behavior.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	stopCh   chan struct{}
	stopOnce sync.Once
	maxAge   time.Duration
}

func NewRegistry(maxAge, sweepInterval time.Duration) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
		maxAge:   maxAge,
	}
	go r.sweepLoop(sweepInterval)
	return r
}

// Add registers a new session. closeFn is invoked exactly once when the
// session closes, from whichever side closes it first.
func (r *Registry) Add(typ Type, resourceID, principalID string, closeFn func()) *Session {
	s := &Session{
		ID:          uuid.New().String(),
		Type:        typ,
		ResourceID:  resourceID,
		PrincipalID: principalID,
		CreatedAt:   time.Now(),
		closeFn:     closeFn,
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	total := len(r.sessions)
	r.mu.Unlock()

	slog.Info("Session registered",
		"session_id", s.ID,
		"type", typ.String(),
		"resource_id", resourceID,
		"principal_id", principalID,
		"total_sessions", total)
	return s
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Abort force-closes a live session. It returns false, with no side effect,
// for unknown ids and for sessions already in their terminal state.
func (r *Registry) Abort(id string) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if !s.Close() {
		return false
	}
	slog.Info("Session aborted", "session_id", id, "type", s.Type.String())
	return true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	total := len(r.sessions)
	r.mu.Unlock()

	if ok {
		slog.Info("Session deregistered", "session_id", id, "total_sessions", total)
	}
}

// RemoveAfter deregisters the session once the grace period elapses, so late
// queries against a just-finished id can still observe its terminal state.
func (r *Registry) RemoveAfter(id string, grace time.Duration) {
	time.AfterFunc(grace, func() { r.Remove(id) })
}

func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, Info{
			ID:          s.ID,
			Type:        s.Type.String(),
			ResourceID:  s.ResourceID,
			PrincipalID: s.PrincipalID,
			CreatedAt:   s.CreatedAt,
			Closed:      s.Closed(),
		})
	}
	return infos
}

// Stop halts the sweep and force-closes everything still registered.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (r *Registry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.maxAge)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.CreatedAt.Before(cutoff) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.Close()
		slog.Warn("Session exceeded max age, force-closed",
			"session_id", s.ID,
			"type", s.Type.String(),
			"age", time.Since(s.CreatedAt).Round(time.Second).String())
	}
}
