// Package identity generates memory ids, causal-edge/session ids, content
// hashes for citation drift detection, and bitemporal coordinate helpers
// for the cortex engine.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewMemoryID generates an opaque, stable id in the spec's
// {domain}_{b36-timestamp}_{hex-random} format.
func NewMemoryID(domain string) string {
	ts := strconv.FormatInt(time.Now().UnixNano(), 36)
	return fmt.Sprintf("%s_%s_%s", domain, ts, randomHex(6))
}

// NewEdgeID generates a causal-edge id.
func NewEdgeID() string {
	return uuid.New().String()
}

// NewSessionID generates a session id.
func NewSessionID() string {
	return uuid.New().String()
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failures are effectively unrecoverable on any real
		// platform; fall back to a timestamp-derived suffix rather than
		// panic so id generation never blocks a write path.
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}

// ContentHash returns the first 16 hex chars of SHA-256 over the given
// parts, joined with "::". Used both for memory dedup signals and for
// citation drift hashing over a code region plus its context window.
func ContentHash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte("::"))
		}
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:16]
}

// Clock is an injectable time source so tests can control "now" without
// depending on wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Interval is a half-open bitemporal axis: [Start, End). A zero End means
// "still open" (unbounded).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the interval, treating a zero
// End as +infinity.
func (iv Interval) Contains(t time.Time) bool {
	if t.Before(iv.Start) {
		return false
	}
	if iv.End.IsZero() {
		return true
	}
	return t.Before(iv.End)
}

// Valid reports Start <= End when End is set (spec.md §3.1 invariant 5).
func (iv Interval) Valid() bool {
	if iv.End.IsZero() {
		return true
	}
	return !iv.End.Before(iv.Start)
}
