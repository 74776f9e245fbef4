// Package session keeps the pub and username chosen for a browser session.
// Selections live in memory only and expire after a period of inactivity.
package session

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dukerupert/gsplit/internal/model"
	"github.com/dukerupert/gsplit/internal/store"
	"github.com/google/uuid"
)

const CookieName = "gsplit_session"

const DefaultTTL = 12 * time.Hour

type entry struct {
	selection model.Selection
	expires   time.Time
}

type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	ttl      time.Duration
	now      func() time.Time
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// ID returns the request's session id, issuing a new cookie when the request
// has none or carries a malformed one.
func (m *Manager) ID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	return id
}

// Get returns the selection for a session, or the zero Selection when the
// session is unknown or expired. Reading refreshes the expiry.
func (m *Manager) Get(id string) model.Selection {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return model.Selection{}
	}
	now := m.now()
	if now.After(e.expires) {
		delete(m.sessions, id)
		return model.Selection{}
	}
	e.expires = now.Add(m.ttl)
	return e.selection
}

func (m *Manager) Set(id string, sel model.Selection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &entry{selection: sel, expires: m.now().Add(m.ttl)}
}

func (m *Manager) Clear(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Sweep drops expired sessions and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for id, e := range m.sessions {
		if now.After(e.expires) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type Settings interface {
	Lookup(key string) (string, bool, error)
	Set(key, value string) error
}

// AnonymousID returns this install's device id for backend submissions,
// generating and saving one on first use.
func AnonymousID(settings Settings) (string, error) {
	id, ok, err := settings.Lookup(store.KeyAnonymousID)
	if err != nil {
		return "", fmt.Errorf("read anonymous id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := settings.Set(store.KeyAnonymousID, id); err != nil {
		return "", fmt.Errorf("save anonymous id: %w", err)
	}
	return id, nil
}
