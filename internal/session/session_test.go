package session

import (
	"testing"
	"time"

	"cortex/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(nil, config.SessionConfig{
		MaxDuration:       24 * time.Hour,
		InactivityTimeout: 30 * time.Minute,
		RetentionDays:     7,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestCreateSessionAndIsLoaded(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if m.IsLoaded(s.ID, "mem_1") {
		t.Error("expected mem_1 not loaded before TrackMemoriesSent")
	}

	if err := m.TrackMemoriesSent(s.ID, []string{"mem_1", "mem_2"}, 120, 2); err != nil {
		t.Fatalf("TrackMemoriesSent failed: %v", err)
	}
	if !m.IsLoaded(s.ID, "mem_1") || !m.IsLoaded(s.ID, "mem_2") {
		t.Error("expected both memories loaded after TrackMemoriesSent")
	}
}

func TestLoadedSetIsAddOnly(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.CreateSession()

	m.TrackMemoriesSent(s.ID, []string{"mem_1"}, 10, 1)
	m.TrackMemoriesSent(s.ID, []string{"mem_2"}, 10, 1)

	got, _ := m.GetSession(s.ID)
	if len(got.Loaded) != 2 {
		t.Fatalf("expected 2 loaded memories, got %d", len(got.Loaded))
	}
	if !got.IsLoaded("mem_1") {
		t.Error("expected mem_1 to remain loaded after a later TrackMemoriesSent call")
	}
}

func TestStatsComputesDedupEfficiency(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.CreateSession()

	m.TrackMemoriesSent(s.ID, []string{"mem_1", "mem_2"}, 100, 2)
	m.RecordDedup(s.ID, 3, 150)

	stats, err := m.Stats(s.ID)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.UniqueMemoriesLoaded != 2 {
		t.Errorf("expected 2 unique memories loaded, got %d", stats.UniqueMemoriesLoaded)
	}
	if stats.TokensUsed != 100 || stats.TokensSaved != 150 {
		t.Errorf("expected tokensUsed=100 tokensSaved=150, got %d/%d", stats.TokensUsed, stats.TokensSaved)
	}
	wantEfficiency := 150.0 / 250.0
	if stats.DedupEfficiency != wantEfficiency {
		t.Errorf("expected dedup efficiency %.4f, got %.4f", wantEfficiency, stats.DedupEfficiency)
	}
	if stats.AvgTokensPerQuery != 100.0 {
		t.Errorf("expected avg tokens per query 100, got %.2f", stats.AvgTokensPerQuery)
	}
	if stats.LevelDistribution[2] != 2 {
		t.Errorf("expected level 2 distribution count 2, got %d", stats.LevelDistribution[2])
	}
}

func TestEndSessionSealsAndCleanupRespectsRetention(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.CreateSession()

	if err := m.EndSession(s.ID); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	got, _ := m.GetSession(s.ID)
	if got.EndedAt == nil {
		t.Fatal("expected EndedAt set after EndSession")
	}

	// retention not yet elapsed: Cleanup must not drop it.
	_, dropped := m.Cleanup()
	if dropped != 0 {
		t.Errorf("expected 0 dropped before retention elapses, got %d", dropped)
	}

	// simulate retention having elapsed.
	m.mu.Lock()
	past := time.Now().Add(-8 * 24 * time.Hour)
	m.sessions[s.ID].EndedAt = &past
	m.mu.Unlock()

	_, dropped = m.Cleanup()
	if dropped != 1 {
		t.Errorf("expected 1 dropped once past retention, got %d", dropped)
	}
	if _, ok := m.GetSession(s.ID); ok {
		t.Error("expected session pruned from manager after retention cleanup")
	}
}

func TestCleanupSealsIdleSessions(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.CreateSession()

	m.mu.Lock()
	m.sessions[s.ID].LastActivityAt = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	sealed, _ := m.Cleanup()
	if sealed != 1 {
		t.Errorf("expected 1 sealed idle session, got %d", sealed)
	}
	got, _ := m.GetSession(s.ID)
	if got.EndedAt == nil {
		t.Error("expected idle session to be sealed with EndedAt set")
	}
}

func TestTrackMemoriesSentUnknownSessionErrors(t *testing.T) {
	m := newTestManager(t)
	if err := m.TrackMemoriesSent("bogus", []string{"mem_1"}, 10, 1); err == nil {
		t.Error("expected error tracking memories for unknown session")
	}
}
