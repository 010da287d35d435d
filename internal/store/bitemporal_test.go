package store

import (
	"testing"
	"time"

	"cortex/internal/identity"
)

func TestPointInTimeExcludesFutureTransactions(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().Add(-48 * time.Hour)
	id, err := s.Create(&Memory{
		Type:            TypeCore,
		Summary:         "known in the past",
		TransactionTime: identity.Interval{Start: past},
		ValidTime:       identity.Interval{Start: past},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	results, err := s.PointInTime(time.Now(), time.Now())
	if err != nil {
		t.Fatalf("PointInTime failed: %v", err)
	}
	found := false
	for _, m := range results {
		if m.ID == id {
			found = true
		}
	}
	if !found {
		t.Error("expected past-transacted memory to be visible as-of now")
	}

	// A systemTime before the memory was learned must exclude it.
	before := past.Add(-time.Hour)
	results, err = s.PointInTime(before, before)
	if err != nil {
		t.Fatalf("PointInTime failed: %v", err)
	}
	for _, m := range results {
		if m.ID == id {
			t.Error("expected memory not visible before its transaction time")
		}
	}
}

func TestPointInTimeRespectsValidTimeWindow(t *testing.T) {
	s := newTestStore(t)

	validStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	validEnd := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	id, err := s.Create(&Memory{
		Type:      TypeCore,
		Summary:   "only true for H1 2025",
		ValidTime: identity.Interval{Start: validStart, End: validEnd},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	results, err := s.PointInTime(time.Now(), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("PointInTime failed: %v", err)
	}
	found := false
	for _, m := range results {
		if m.ID == id {
			found = true
		}
	}
	if !found {
		t.Error("expected memory visible within its valid-time window")
	}

	results, err = s.PointInTime(time.Now(), time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("PointInTime failed: %v", err)
	}
	for _, m := range results {
		if m.ID == id {
			t.Error("expected memory not visible after its valid-time window closed")
		}
	}
}
