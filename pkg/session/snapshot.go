package session

import (
	"fmt"
	"time"

	"github.com/loveace/acelink/pkg/jar"
)

// Snapshot is the persistable part of a session. It never contains the
// credentials.
type Snapshot struct {
	SessionID   string       `json:"session_id"`
	UserID      string       `json:"user_id"`
	TunnelToken string       `json:"tunnel_token"`
	Phase1      bool         `json:"phase1"`
	Phase2      bool         `json:"phase2"`
	Checkpoint  time.Time    `json:"checkpoint"`
	Cookies     []jar.Cookie `json:"cookies"`
	SavedAt     time.Time    `json:"saved_at"`
}

// Snapshot captures the session for later Restore.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		SessionID:   m.id,
		UserID:      m.userID,
		TunnelToken: m.tunnelToken,
		Phase1:      m.phase1,
		Phase2:      m.phase2,
		Checkpoint:  m.checkpoint,
		SavedAt:     m.now(),
	}
	m.mu.Unlock()
	s.Cookies = m.jar.Snapshot()
	return s
}

// Restore loads a snapshot into a fresh manager. A snapshot with both
// phases logged in restores to Authenticated; callers should still run
// HealthCheck before relying on it. Credentials are not part of a snapshot,
// install them with SetCredentials to enable silent reauthentication.
// Restore fails with ErrIllegalTransition once a login has started.
func (m *Manager) Restore(s Snapshot) error {
	next := Unauthenticated
	if s.Phase1 && s.Phase2 {
		next = Authenticated
	}
	m.mu.Lock()
	prev := m.state
	if !canRestore(prev) {
		m.mu.Unlock()
		return fmt.Errorf("%w: restore in state %s", ErrIllegalTransition, prev)
	}
	m.state = next
	m.userID = s.UserID
	m.tunnelToken = s.TunnelToken
	m.phase1 = s.Phase1
	m.phase2 = s.Phase2
	m.checkpoint = s.Checkpoint
	m.jar.Restore(s.Cookies)
	m.mu.Unlock()

	m.log.Info("restored session %s (%d cookies)", s.SessionID, len(s.Cookies))
	if prev != next && m.opts.OnStateChange != nil {
		m.opts.OnStateChange(prev, next)
	}
	return nil
}
