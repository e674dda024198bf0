package stream

import (
	"log/slog"
	"sync"

	"github.com/victornm/bimillog/internal/domain"
)

// Handle is one live transport connection. Send failures mean the peer is
// gone; the registry closes and prunes the connection.
type Handle interface {
	Send(f domain.Frame) error
	Close()
}

// Registry tracks every open stream connection per (user, session). It is the
// single authority for whether a user is currently reachable. Request
// handlers register and close connections while the async notification
// handlers push, so all per-user state sits behind its own lock.
type Registry struct {
	users sync.Map // int64 -> *userConns
}

type userConns struct {
	mu    sync.Mutex
	conns map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) connsFor(userID int64) *userConns {
	v, _ := r.users.LoadOrStore(userID, &userConns{conns: make(map[string]Handle)})
	return v.(*userConns)
}

// Register adds a connection for the (user, session) pair. Registering the
// same pair twice supersedes: the older handle is closed so it cannot leak.
func (r *Registry) Register(userID int64, sessionID string, h Handle) {
	uc := r.connsFor(userID)

	uc.mu.Lock()
	old := uc.conns[sessionID]
	uc.conns[sessionID] = h
	uc.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Push sends the frame to every open connection of the user and returns the
// number of successful deliveries. A connection whose send fails is closed
// and pruned; failures are isolated per connection.
func (r *Registry) Push(userID int64, f domain.Frame) int {
	v, ok := r.users.Load(userID)
	if !ok {
		return 0
	}
	uc := v.(*userConns)

	uc.mu.Lock()
	snapshot := make(map[string]Handle, len(uc.conns))
	for sid, h := range uc.conns {
		snapshot[sid] = h
	}
	uc.mu.Unlock()

	delivered := 0
	for sid, h := range snapshot {
		if err := h.Send(f); err != nil {
			slog.Warn("stream: send failed, closing connection",
				"user", userID, "session", sid, "error", err)
			r.remove(uc, sid, h)
			h.Close()
			continue
		}
		delivered++
	}

	return delivered
}

// remove deletes the session only if it still maps to the same handle, so a
// concurrent re-registration is never clobbered.
func (r *Registry) remove(uc *userConns, sessionID string, h Handle) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if uc.conns[sessionID] == h {
		delete(uc.conns, sessionID)
	}
}

// Close removes and closes a single (user, session) connection. Closing an
// unknown pair is a no-op.
func (r *Registry) Close(userID int64, sessionID string) {
	v, ok := r.users.Load(userID)
	if !ok {
		return
	}
	uc := v.(*userConns)

	uc.mu.Lock()
	h := uc.conns[sessionID]
	delete(uc.conns, sessionID)
	uc.mu.Unlock()

	if h != nil {
		h.Close()
	}
}

// CloseHandle removes and closes the (user, session) connection only while
// it still maps to h. A handler cleaning up after being superseded must use
// this, not Close, or it would tear down its replacement.
func (r *Registry) CloseHandle(userID int64, sessionID string, h Handle) {
	v, ok := r.users.Load(userID)
	if !ok {
		return
	}
	uc := v.(*userConns)

	r.remove(uc, sessionID, h)
	h.Close()
}

// CloseAll synchronously closes and removes every connection of the user; a
// Push that follows finds nothing.
func (r *Registry) CloseAll(userID int64) {
	v, ok := r.users.LoadAndDelete(userID)
	if !ok {
		return
	}
	uc := v.(*userConns)

	uc.mu.Lock()
	conns := uc.conns
	uc.conns = make(map[string]Handle)
	uc.mu.Unlock()

	for _, h := range conns {
		h.Close()
	}
}

// IsConnected reports whether the user has at least one open connection.
func (r *Registry) IsConnected(userID int64) bool {
	v, ok := r.users.Load(userID)
	if !ok {
		return false
	}
	uc := v.(*userConns)

	uc.mu.Lock()
	defer uc.mu.Unlock()

	return len(uc.conns) > 0
}
