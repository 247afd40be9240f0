package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Manager is the registry of session controllers. Finished sessions stay
// readable for the retention period, then the janitor drops them.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Controller
	byStudent map[string]string
	retention time.Duration
	onExpire  func(Snapshot)
	now       func() time.Time
}

func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		sessions:  make(map[string]*Controller),
		byStudent: make(map[string]string),
		retention: retention,
		now:       time.Now,
	}
}

func (m *Manager) SetExpireHook(hook func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Add registers c. A studentID, when set, may own only one running session.
func (m *Manager) Add(studentID string, c *Controller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if studentID != "" {
		if id, ok := m.byStudent[studentID]; ok {
			if prev, ok := m.sessions[id]; ok && !prev.State().Terminal() {
				return ErrAlreadyStarted
			}
		}
		m.byStudent[studentID] = c.ID()
	}
	m.sessions[c.ID()] = c
	return nil
}

// Remove drops a session that never became live.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	for student, sid := range m.byStudent {
		if sid == id {
			delete(m.byStudent, student)
		}
	}
}

func (m *Manager) Get(id string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *Manager) End(id string) (Snapshot, error) {
	c, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	endErr := c.End()
	return c.Snapshot(), endErr
}

// EndAll ends every running session, for shutdown.
func (m *Manager) EndAll() error {
	m.mu.RLock()
	controllers := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		controllers = append(controllers, c)
	}
	m.mu.RUnlock()

	var errs []error
	for _, c := range controllers {
		if c.State().Terminal() {
			continue
		}
		if err := c.End(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns snapshots of every registered session, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.sessions {
		switch c.State() {
		case StateConnecting, StateLive:
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireFinished()
			}
		}
	}()
}

func (m *Manager) expireFinished() {
	now := m.now()
	var expired []Snapshot

	m.mu.Lock()
	for id, c := range m.sessions {
		snap := c.Snapshot()
		if !snap.State.Terminal() || snap.EndedAt.IsZero() {
			continue
		}
		if now.Sub(snap.EndedAt) < m.retention {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, snap)
	}
	for student, sid := range m.byStudent {
		if _, ok := m.sessions[sid]; !ok {
			delete(m.byStudent, student)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}
