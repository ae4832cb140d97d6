// Package session owns the Active-state countdown and the append-only
// activity log of a lab session.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/errors"
)

const (
	// DefaultLogCap is the retention count used when none is configured
	DefaultLogCap = 20

	// MaxClockSkew is how far ahead of the clock a telemetry timestamp may be
	MaxClockSkew = 30 * time.Second
)

// ActivityLog is an append-only, timestamp-ordered, bounded audit log.
// It is safe for concurrent use: pipelines append from their own goroutines.
type ActivityLog struct {
	mu      sync.Mutex
	clock   clock.Clock
	cap     int
	seq     int64
	last    time.Time
	entries []entity.ActivityEntry
	dropped int
}

// NewActivityLog creates a log that keeps at most capacity entries
func NewActivityLog(c clock.Clock, capacity int) *ActivityLog {
	if capacity <= 0 {
		capacity = DefaultLogCap
	}
	return &ActivityLog{clock: c, cap: capacity}
}

// Append records an entry stamped with the current time. The timestamp never
// goes backwards relative to earlier entries.
func (l *ActivityLog) Append(kind, message, actor string) entity.ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.clock.Now()
	if ts.Before(l.last) {
		ts = l.last
	}
	return l.push(entity.ActivityEntry{Timestamp: ts, Kind: kind, Message: message, Actor: actor})
}

// Appendf is Append with a formatted message
func (l *ActivityLog) Appendf(kind, actor, format string, args ...interface{}) entity.ActivityEntry {
	return l.Append(kind, fmt.Sprintf(format, args...), actor)
}

// AppendAt records an externally timestamped entry, such as session
// telemetry. Entries older than the newest recorded entry, or further ahead
// of the clock than MaxClockSkew, are rejected. Timestamps within the skew
// are recorded at the clock's time so the log never runs ahead of it.
func (l *ActivityLog) AppendAt(ts time.Time, kind, message, actor string) (entity.ActivityEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if ts.After(now.Add(MaxClockSkew)) {
		return entity.ActivityEntry{}, errors.NewValidation("activity timestamp is in the future").
			WithMetadata("timestamp", ts).WithMetadata("now", now)
	}
	if ts.After(now) {
		ts = now
	}
	if ts.Before(l.last) {
		return entity.ActivityEntry{}, errors.NewValidation("activity timestamp is older than the latest entry").
			WithMetadata("timestamp", ts).WithMetadata("latest", l.last)
	}
	return l.push(entity.ActivityEntry{Timestamp: ts, Kind: kind, Message: message, Actor: actor}), nil
}

func (l *ActivityLog) push(e entity.ActivityEntry) entity.ActivityEntry {
	l.seq++
	if e.Sequence < l.seq {
		e.Sequence = l.seq
	}
	l.seq = e.Sequence
	l.last = e.Timestamp
	l.entries = append(l.entries, e)
	if over := len(l.entries) - l.cap; over > 0 {
		l.entries = append([]entity.ActivityEntry(nil), l.entries[over:]...)
		l.dropped += over
	}
	return e
}

// Entries returns a copy of the retained entries, oldest first
func (l *ActivityLog) Entries() []entity.ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]entity.ActivityEntry(nil), l.entries...)
}

// Dropped returns how many entries fell out of the retention window
func (l *ActivityLog) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Len returns the number of retained entries
func (l *ActivityLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
