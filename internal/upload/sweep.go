package upload

import (
	"context"

	"clipforge/internal/models"
)

// SweepExpired marks every overdue non-terminal session expired and reclaims
// its spooled chunks. Completing sessions are included: a completion that
// outlived the session deadline belongs to a process that died mid-assembly,
// and expiring it is the only way the session ever settles. It returns the
// number of sessions expired.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := m.now()
	expired := 0
	for _, candidate := range m.repo.ListSessions() {
		if ctx.Err() != nil {
			return expired
		}
		if candidate.Status.Terminal() || !now.After(candidate.ExpiresAt) {
			continue
		}
		unlock := m.lockSession(candidate.ID)
		session, ok := m.repo.GetSession(candidate.ID)
		if ok && !session.Status.Terminal() && now.After(session.ExpiresAt) {
			m.expireSession(session)
			expired++
		}
		unlock()
	}
	return expired
}

// CollectFailed removes the session records and any leftover chunks for
// failed and expired sessions older than the session TTL. Terminal sessions
// stay queryable for one TTL so clients can observe the outcome.
func (m *Manager) CollectFailed(ctx context.Context) int {
	cutoff := m.now().Add(-m.sessionTTL)
	removed := 0
	for _, session := range m.repo.ListSessions() {
		if ctx.Err() != nil {
			return removed
		}
		if session.Status != models.SessionFailed && session.Status != models.SessionExpired {
			continue
		}
		if session.ExpiresAt.After(cutoff) {
			continue
		}
		if err := m.chunks.DeleteSession(session.ID); err != nil {
			m.logger.Warn("chunk cleanup failed", "session_id", session.ID, "error", err)
			continue
		}
		if err := m.repo.DeleteSession(session.ID); err != nil {
			m.logger.Error("delete session failed", "session_id", session.ID, "error", err)
			continue
		}
		removed++
	}
	return removed
}
