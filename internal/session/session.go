// Package session tracks per-session memory-loading state: which memories
// have already been sent to a session (so retrieval can deduplicate),
// cumulative token/dedup stats, and idle/ttl sealing (spec §4.6).
package session

import (
	"database/sql"
	"sync"
	"time"

	"cortex/internal/config"
	"cortex/internal/identity"
	"cortex/internal/logging"
)

// Session is one tracked conversation session. Loaded is add-only: once a
// memory id is recorded as sent, it is never removed until the session
// itself ends.
type Session struct {
	ID             string
	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time

	Loaded      map[string]struct{}
	LevelCounts map[int]int

	QueriesCount int
	TokensUsed   int
	TokensSaved  int
	Deduplicated int
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:             id,
		CreatedAt:      now,
		LastActivityAt: now,
		Loaded:         make(map[string]struct{}),
		LevelCounts:    make(map[int]int),
	}
}

// IsLoaded reports whether memoryID has already been sent in this session.
func (s *Session) IsLoaded(memoryID string) bool {
	_, ok := s.Loaded[memoryID]
	return ok
}

// Stats is the read-only dedup/usage summary for a session (spec §4.6).
type Stats struct {
	UniqueMemoriesLoaded int
	TokensUsed           int
	TokensSaved          int
	DedupEfficiency      float64
	AvgTokensPerQuery    float64
	LevelDistribution    map[int]int
}

// Manager owns the lifecycle of every in-flight Session. When db is
// non-nil and cfg.PersistSessions is set, sessions are mirrored to a
// table so a restart can recover session boundaries; the in-memory map is
// always authoritative for the add-only Loaded set during a process
// lifetime.
type Manager struct {
	mu       sync.RWMutex
	db       *sql.DB
	cfg      config.SessionConfig
	sessions map[string]*Session
}

// NewManager builds a Manager. db may be nil to disable persistence
// regardless of cfg.PersistSessions.
func NewManager(db *sql.DB, cfg config.SessionConfig) (*Manager, error) {
	m := &Manager{db: db, cfg: cfg, sessions: make(map[string]*Session)}
	if db != nil && cfg.PersistSessions {
		if err := m.createSchema(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) createSchema() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			ended_at INTEGER
		)`)
	return err
}

// CreateSession starts a new tracked session.
func (m *Manager) CreateSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := identity.NewSessionID()
	now := time.Now()
	s := newSession(id, now)
	m.sessions[id] = s

	if m.db != nil && m.cfg.PersistSessions {
		if _, err := m.db.Exec(
			`INSERT OR IGNORE INTO sessions (id, created_at, last_activity_at) VALUES (?, ?, ?)`,
			id, now.Unix(), now.Unix(),
		); err != nil {
			logging.Get(logging.CategorySession).Warn("CreateSession: persist failed for %s: %v", id, err)
		}
	}

	logging.Session("CreateSession: started %s", id)
	return s, nil
}

// GetSession returns the session, or false if it does not exist (or has
// already ended and been pruned by Cleanup).
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IsLoaded satisfies retrieval.SessionLookup: reports whether memoryID has
// already been sent to sessionID. An unknown session is treated as having
// sent nothing.
func (m *Manager) IsLoaded(sessionID, memoryID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	return s.IsLoaded(memoryID)
}

// TrackMemoriesSent records memoryIDs as loaded into sessionID at the
// given compression level, adding tokensUsed to the running total and
// len(memoryIDs) to that level's count. Ids already in the loaded set do
// not error, and tokensUsed and the level count are added for them as
// given; callers are expected to have already filtered
// already-sent ids via retrieval's dedup annotation before calling this.
func (m *Manager) TrackMemoriesSent(sessionID string, memoryIDs []string, tokensUsed, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return errUnknownSession(sessionID)
	}

	now := time.Now()
	s.LastActivityAt = now
	s.QueriesCount++
	s.TokensUsed += tokensUsed
	s.LevelCounts[level] += len(memoryIDs)
	for _, id := range memoryIDs {
		s.Loaded[id] = struct{}{}
	}

	logging.SessionDebug("TrackMemoriesSent: session=%s +%d memories level=%d tokens=%d",
		sessionID, len(memoryIDs), level, tokensUsed)
	return nil
}

// RecordDedup adds to a session's cumulative dedup accounting: how many
// results were skipped as already-sent, and the tokens that would have
// been spent resending them.
func (m *Manager) RecordDedup(sessionID string, deduplicated, tokensSaved int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return errUnknownSession(sessionID)
	}
	s.LastActivityAt = time.Now()
	s.Deduplicated += deduplicated
	s.TokensSaved += tokensSaved
	return nil
}

// Stats computes the dedup/usage summary for sessionID.
func (m *Manager) Stats(sessionID string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errUnknownSession(sessionID)
	}

	stats := &Stats{
		UniqueMemoriesLoaded: len(s.Loaded),
		TokensUsed:           s.TokensUsed,
		TokensSaved:          s.TokensSaved,
		LevelDistribution:    make(map[int]int, len(s.LevelCounts)),
	}
	for level, count := range s.LevelCounts {
		stats.LevelDistribution[level] = count
	}
	if denom := s.TokensSaved + s.TokensUsed; denom > 0 {
		stats.DedupEfficiency = float64(s.TokensSaved) / float64(denom)
	}
	if s.QueriesCount > 0 {
		stats.AvgTokensPerQuery = float64(s.TokensUsed) / float64(s.QueriesCount)
	}
	return stats, nil
}

// EndSession seals a session by recording EndedAt. TrackMemoriesSent and
// RecordDedup do not check EndedAt and still update a sealed session. A
// sealed session remains queryable (IsLoaded/Stats still work)
// until Cleanup prunes it per RetentionDays.
func (m *Manager) EndSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return errUnknownSession(id)
	}
	if s.EndedAt != nil {
		return nil
	}
	now := time.Now()
	s.EndedAt = &now

	if m.db != nil && m.cfg.PersistSessions {
		if _, err := m.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, now.Unix(), id); err != nil {
			logging.Get(logging.CategorySession).Warn("EndSession: persist failed for %s: %v", id, err)
		}
	}

	logging.Session("EndSession: sealed %s", id)
	return nil
}

// Cleanup seals sessions idle past InactivityTimeout or older than
// MaxDuration, then drops sessions that have been ended for longer than
// RetentionDays. Returns the counts of each action taken.
func (m *Manager) Cleanup() (sealed, dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	inactivityTimeout := m.cfg.InactivityTimeout
	maxDuration := m.cfg.MaxDuration
	retention := time.Duration(m.cfg.RetentionDays) * 24 * time.Hour

	for id, s := range m.sessions {
		if s.EndedAt == nil {
			idle := inactivityTimeout > 0 && now.Sub(s.LastActivityAt) > inactivityTimeout
			expired := maxDuration > 0 && now.Sub(s.CreatedAt) > maxDuration
			if idle || expired {
				endedAt := now
				s.EndedAt = &endedAt
				sealed++
			}
		}
		if s.EndedAt != nil && retention > 0 && now.Sub(*s.EndedAt) > retention {
			delete(m.sessions, id)
			dropped++
		}
	}

	if sealed > 0 || dropped > 0 {
		logging.Session("Cleanup: sealed %d idle/expired sessions, dropped %d past retention", sealed, dropped)
	}
	return sealed, dropped
}

type errUnknownSession string

func (e errUnknownSession) Error() string { return "session: unknown session " + string(e) }
