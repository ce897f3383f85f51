package terminal

import (
	"time"

	"go.uber.org/zap"

	"dashterm/models"
)

// Detach tells the manager that the last remote viewer of id went away. If
// nobody subscribes again within CloseGrace the session is closed, so a
// dropped dashboard does not leave shells running forever.
func (m *Manager) Detach(id models.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || isDone(s.done) {
		return
	}
	if _, pending := m.timers[id]; pending {
		return
	}
	if s.subscribers() > 0 {
		return
	}

	grace := s.cfg.CloseGrace
	s.logger.Info("no viewers left, starting grace timer", zap.Duration("grace", grace))
	m.timers[id] = time.AfterFunc(grace, func() {
		m.mu.Lock()
		delete(m.timers, id)
		s, ok := m.sessions[id]
		m.mu.Unlock()
		if !ok || s.subscribers() > 0 {
			return
		}
		s.logger.Info("grace period expired, closing session")
		s.close()
	})
}

func (m *Manager) cancelGrace(id models.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[id]
	if !ok {
		return
	}
	t.Stop()
	delete(m.timers, id)
}
