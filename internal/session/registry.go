package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/shaw-s-yu/terminal-server/internal/model"
	"github.com/shaw-s-yu/terminal-server/internal/process"
)

// ErrRegistryClosed is returned by GetOrCreate after Close.
var ErrRegistryClosed = errors.New("session registry is closed")

// lockShards is the number of per-key lock stripes.
const lockShards = 64

// RegistryConfig configures the sessions a Registry creates.
type RegistryConfig struct {
	Host    process.Host
	Emitter Emitter
	Store   Store
	Logger  *slog.Logger

	// DefaultShell overrides Host.DefaultShell() when set.
	DefaultShell string

	GracePeriod    time.Duration
	ReadBufferSize int
	HistorySize    int
	LogDir         string
}

// Registry maps client identities to their sessions. Operations on one
// client are serialized; different clients only share a stripe lock.
type Registry struct {
	cfg RegistryConfig
	log *slog.Logger

	stripes [lockShards]sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg.Logger = log

	return &Registry{
		cfg:      cfg,
		log:      log.With("component", "registry"),
		sessions: make(map[string]*Session),
	}
}

// DefaultShell returns the shell new sessions run when none is requested.
func (r *Registry) DefaultShell() string {
	if r.cfg.DefaultShell != "" {
		return r.cfg.DefaultShell
	}
	return r.cfg.Host.DefaultShell()
}

func (r *Registry) stripe(clientID string) *sync.Mutex {
	return &r.stripes[xxhash.Sum64String(clientID)%lockShards]
}

// GetOrCreate returns the live session of clientID, or creates and starts a
// new one running shell (the default shell when empty). A stopped session
// is replaced by a fresh one. A session that fails to start is not
// registered. created reports whether a new session was started.
func (r *Registry) GetOrCreate(ctx context.Context, clientID, shell string) (sess *Session, created bool, err error) {
	lock := r.stripe(clientID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	existing, closed := r.sessions[clientID], r.closed
	r.mu.RUnlock()

	if closed {
		return nil, false, ErrRegistryClosed
	}

	if existing != nil {
		if existing.State() != model.SessionStateStopped {
			return existing, false, nil
		}
		r.log.Info("replacing stopped session", "session_id", existing.ID())
		r.evict(clientID, existing)
	}

	if shell == "" {
		shell = r.DefaultShell()
	}

	sess = New(Options{
		ClientID:       clientID,
		Shell:          shell,
		Host:           r.cfg.Host,
		Emitter:        r.cfg.Emitter,
		Store:          r.cfg.Store,
		Logger:         r.cfg.Logger,
		GracePeriod:    r.cfg.GracePeriod,
		ReadBufferSize: r.cfg.ReadBufferSize,
		HistorySize:    r.cfg.HistorySize,
		LogDir:         r.cfg.LogDir,
	})

	if err := sess.Start(ctx); err != nil {
		sess.Close()
		return nil, false, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sess.Close()
		return nil, false, ErrRegistryClosed
	}
	r.sessions[clientID] = sess
	r.mu.Unlock()

	r.log.Info("session created", "session_id", sess.ID(), "shell", shell)
	return sess, true, nil
}

// Remove terminates and evicts the session of clientID. It reports whether
// a session existed.
func (r *Registry) Remove(clientID string) bool {
	lock := r.stripe(clientID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	sess := r.sessions[clientID]
	r.mu.RUnlock()

	if sess == nil {
		return false
	}

	r.evict(clientID, sess)
	r.log.Info("session removed", "session_id", sess.ID())
	return true
}

// evict closes sess and deletes it from the map. The caller holds the
// client's stripe.
func (r *Registry) evict(clientID string, sess *Session) {
	if err := sess.Close(); err != nil {
		r.log.Warn("failed to close session", "session_id", sess.ID(), "error", err)
	}

	r.mu.Lock()
	if r.sessions[clientID] == sess {
		delete(r.sessions, clientID)
	}
	r.mu.Unlock()
}

// Lookup returns the session of clientID, or nil.
func (r *Registry) Lookup(clientID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[clientID]
}

// LookupSession returns the session with the given session identifier, or nil.
func (r *Registry) LookupSession(sessionID string) *Session {
	clientID, ok := strings.CutPrefix(sessionID, IDFor(""))
	if !ok {
		return nil
	}
	return r.Lookup(clientID)
}

// RemoveSession is Remove keyed by session identifier.
func (r *Registry) RemoveSession(sessionID string) bool {
	clientID, ok := strings.CutPrefix(sessionID, IDFor(""))
	if !ok {
		return false
	}
	return r.Remove(clientID)
}

// List returns all registered sessions ordered by identifier.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID() < sessions[j].ID()
	})
	return sessions
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close terminates every session in parallel and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	clientIDs := make([]string, 0, len(r.sessions))
	for clientID := range r.sessions {
		clientIDs = append(clientIDs, clientID)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, clientID := range clientIDs {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			r.Remove(clientID)
		}(clientID)
	}
	wg.Wait()

	r.log.Info("registry closed", "sessions", len(clientIDs))
}
