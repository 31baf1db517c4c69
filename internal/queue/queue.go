/*
Kestrel SMTP Server - High-throughput extensible SMTP server platform.
Copyright © 2023-2026 The Kestrel developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package queue implements the durable relay queue.

Each entry is kept as a pair of files: ID.meta holds the JSON metadata
(envelope, remaining recipients, per-recipient errors, attempt counters)
and ID.body holds the raw message. Metadata rewrites go through a .new
file renamed into place, so a crash leaves either the old or the new
metadata, never a torn file.

Status changes follow a fixed transition graph. Entries found in the
in-progress state on startup are the leftovers of a crashed delivery
attempt and are moved back to queued; entries with unreadable metadata are
renamed to .meta_broken and skipped.
*/
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kestrel-mta/kestrel/framework/exterrors"
	"github.com/kestrel-mta/kestrel/framework/log"
	"github.com/kestrel-mta/kestrel/internal/msg"
)

// Status of a queue entry.
type Status string

const (
	// StatusQueued: waiting for the first delivery attempt.
	StatusQueued Status = "queued"
	// StatusInProgress: a delivery attempt is running right now.
	StatusInProgress Status = "in-progress"
	// StatusDeferred: a temporary failure happened, waiting for NextAttempt.
	StatusDeferred Status = "deferred"
	// StatusDelivered: all recipients accepted. Terminal.
	StatusDelivered Status = "delivered"
	// StatusPartiallyDelivered: some recipients accepted, the rest failed
	// permanently. Terminal.
	StatusPartiallyDelivered Status = "partially-delivered"
	// StatusFailed: every recipient failed permanently. Terminal.
	StatusFailed Status = "failed"
	// StatusExpired: the attempt limit was reached with recipients still
	// temporarily failing. Terminal.
	StatusExpired Status = "expired"
	// StatusCancelled: removed administratively. Terminal.
	StatusCancelled Status = "cancelled"
)

var statusGraph = map[Status][]Status{
	StatusQueued:     {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusDelivered, StatusPartiallyDelivered, StatusFailed, StatusDeferred, StatusExpired, StatusCancelled},
	StatusDeferred:   {StatusQueued, StatusInProgress, StatusExpired, StatusCancelled},
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(statusGraph[s]) == 0
}

func (s Status) canBecome(next Status) bool {
	for _, allowed := range statusGraph[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Entry is the durable metadata of one queued message. The raw message
// itself stays on disk and is loaded per delivery attempt via OpenMessage.
type Entry struct {
	ID       string
	Envelope msg.Envelope
	Priority msg.Priority
	Status   Status

	// Recipients still waiting for delivery.
	Recipients []string
	// Recipients accepted by the remote side.
	Delivered []string
	// Recipients that failed permanently.
	FailedRcpts []string
	// Last error seen per recipient, for the bounce message.
	RcptErrs map[string]*exterrors.SMTPError

	// Delivery attempts already made.
	Attempts int
	// Size of the raw message body in bytes.
	Size int64

	CreatedAt   time.Time
	LastAttempt time.Time
	NextAttempt time.Time
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Recipients = append([]string(nil), e.Recipients...)
	cp.Delivered = append([]string(nil), e.Delivered...)
	cp.FailedRcpts = append([]string(nil), e.FailedRcpts...)
	cp.RcptErrs = make(map[string]*exterrors.SMTPError, len(e.RcptErrs))
	for rcpt, err := range e.RcptErrs {
		cp.RcptErrs[rcpt] = err
	}
	cp.Envelope = e.Envelope.Copy()
	return &cp
}

// Stats is a point-in-time snapshot of the queue. Age figures cover only
// entries still awaiting delivery, finished entries kept around until
// ClearExpired would skew them.
type Stats struct {
	ByStatus   map[Status]int
	ByPriority map[msg.Priority]int
	Total      int

	// Stored message bytes across all entries.
	Bytes int64
	// Age of the oldest pending (non-terminal) entry.
	OldestAge time.Duration
	// Mean age and mean attempt count of pending entries.
	AvgAge      time.Duration
	AvgAttempts float64
}

// Queue is the on-disk entry set. All methods are safe for concurrent use.
type Queue struct {
	location string

	Log log.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

// Open loads the queue directory, creating it if needed. In-progress
// entries are re-queued and broken metadata files are set aside.
func Open(location string, l log.Logger) (*Queue, error) {
	if err := os.MkdirAll(location, 0o700); err != nil {
		return nil, exterrors.WithFields(err, map[string]any{"location": location})
	}

	q := &Queue{
		location: location,
		Log:      l,
		entries:  map[string]*Entry{},
	}
	if err := q.scan(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) scan() error {
	dirents, err := os.ReadDir(q.location)
	if err != nil {
		return err
	}

	loaded := 0
	for _, dirent := range dirents {
		name := dirent.Name()
		if dirent.IsDir() || !strings.HasSuffix(name, ".meta") {
			continue
		}
		id := strings.TrimSuffix(name, ".meta")

		entry, err := q.readMeta(id)
		if err != nil {
			q.Log.Error("unreadable metadata, skipping", err, "id", id)
			q.discardBroken(id)
			continue
		}

		if _, err := os.Stat(q.bodyPath(id)); err != nil {
			q.Log.Error("missing body file, skipping", err, "id", id)
			q.discardBroken(id)
			continue
		}

		// A crash mid-attempt leaves the entry in-progress. The attempt
		// outcome is unknown, retry it.
		if entry.Status == StatusInProgress {
			entry.Status = StatusQueued
			if err := q.writeMeta(entry); err != nil {
				q.Log.Error("metadata rewrite failed", err, "id", id)
			}
		}

		q.entries[id] = entry
		loaded++
	}

	if loaded != 0 {
		q.Log.Msg("loaded saved queue entries", "count", loaded)
	}
	return nil
}

// Enqueue persists the message and creates a queued entry for the given
// recipients. The entry becomes eligible for delivery immediately.
func (q *Queue) Enqueue(_ context.Context, m *msg.Message, rcpts []string) (*Entry, error) {
	if len(rcpts) == 0 {
		return nil, fmt.Errorf("queue: no recipients for %s", m.ID)
	}

	entry := &Entry{
		ID:          m.ID,
		Envelope:    m.Envelope.Copy(),
		Priority:    m.Priority,
		Status:      StatusQueued,
		Recipients:  append([]string(nil), rcpts...),
		RcptErrs:    map[string]*exterrors.SMTPError{},
		Size:        int64(len(m.Raw)),
		CreatedAt:   m.Received,
		NextAttempt: time.Now(),
	}

	if err := writeAtomic(q.bodyPath(entry.ID), m.Raw); err != nil {
		return nil, err
	}
	if err := q.writeMeta(entry); err != nil {
		q.tryRemove(q.bodyPath(entry.ID))
		return nil, err
	}

	q.mu.Lock()
	q.entries[entry.ID] = entry
	q.mu.Unlock()

	queueOps.WithLabelValues("enqueue").Inc()
	return entry.clone(), nil
}

// DequeueReady atomically claims up to limit entries due for a delivery
// attempt: queued or deferred entries whose NextAttempt is not in the
// future. The claimed entries are marked in-progress and returned sorted by
// priority (high first) and then by age (old first). Limit 0 claims all.
func (q *Queue) DequeueReady(now time.Time, limit int) []*Entry {
	q.mu.Lock()
	var ready []*Entry
	for _, entry := range q.entries {
		if entry.Status != StatusQueued && entry.Status != StatusDeferred {
			continue
		}
		if entry.NextAttempt.After(now) {
			continue
		}
		ready = append(ready, entry)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if limit != 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	for _, entry := range ready {
		entry.Status = StatusInProgress
	}
	q.mu.Unlock()

	out := make([]*Entry, 0, len(ready))
	for _, entry := range ready {
		if err := q.writeMeta(entry); err != nil {
			q.Log.Error("metadata rewrite failed", err, "id", entry.ID)
		}
		out = append(out, entry.clone())
	}
	return out
}

// NextWake returns the earliest NextAttempt among waiting entries, or the
// zero time when nothing is pending.
func (q *Queue) NextWake() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	for _, entry := range q.entries {
		if entry.Status != StatusQueued && entry.Status != StatusDeferred {
			continue
		}
		if earliest.IsZero() || entry.NextAttempt.Before(earliest) {
			earliest = entry.NextAttempt
		}
	}
	return earliest
}

// Complete records the outcome of a delivery attempt. The updated entry
// carries the new status, recipient sets and NextAttempt; Complete
// validates the transition and persists. Terminal entries keep their
// files on disk until ClearExpired collects them.
func (q *Queue) Complete(updated *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.entries[updated.ID]
	if !ok {
		return fmt.Errorf("queue: unknown entry %s", updated.ID)
	}
	if !current.Status.canBecome(updated.Status) {
		return fmt.Errorf("queue: illegal transition %s -> %s for %s",
			current.Status, updated.Status, updated.ID)
	}

	stored := updated.clone()
	q.entries[updated.ID] = stored
	if err := q.writeMeta(stored); err != nil {
		return err
	}

	queueOps.WithLabelValues("complete").Inc()
	if stored.Status.Terminal() {
		entriesFinished.WithLabelValues(string(stored.Status)).Inc()
	}
	return nil
}

// Cancel administratively removes a pending entry.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("queue: unknown entry %s", id)
	}
	if !entry.Status.canBecome(StatusCancelled) {
		return fmt.Errorf("queue: cannot cancel %s entry %s", entry.Status, id)
	}
	entry.Status = StatusCancelled
	return q.writeMeta(entry)
}

// Get returns a copy of the entry, or nil.
func (q *Queue) Get(id string) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return nil
	}
	return entry.clone()
}

// GetAll returns copies of all entries, sorted by creation time.
func (q *Queue) GetAll() []*Entry {
	q.mu.Lock()
	out := make([]*Entry, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, entry.clone())
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats builds a snapshot of the queue under a single lock acquisition.
func (q *Queue) Stats() Stats {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		ByStatus:   map[Status]int{},
		ByPriority: map[msg.Priority]int{},
	}
	var (
		pending     int
		ageSum      time.Duration
		attemptsSum int
	)
	for _, entry := range q.entries {
		st.ByStatus[entry.Status]++
		st.ByPriority[entry.Priority]++
		st.Total++
		st.Bytes += entry.Size

		if entry.Status.Terminal() {
			continue
		}
		pending++
		age := now.Sub(entry.CreatedAt)
		ageSum += age
		attemptsSum += entry.Attempts
		if age > st.OldestAge {
			st.OldestAge = age
		}
	}
	if pending != 0 {
		st.AvgAge = ageSum / time.Duration(pending)
		st.AvgAttempts = float64(attemptsSum) / float64(pending)
	}
	return st
}

// ClearExpired removes terminal entries whose last activity is older than
// retention and returns the number removed.
func (q *Queue) ClearExpired(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	q.mu.Lock()
	var victims []*Entry
	for id, entry := range q.entries {
		if !entry.Status.Terminal() {
			continue
		}
		last := entry.LastAttempt
		if last.IsZero() {
			last = entry.CreatedAt
		}
		if last.Before(cutoff) {
			victims = append(victims, entry)
			delete(q.entries, id)
		}
	}
	q.mu.Unlock()

	for _, entry := range victims {
		q.removeFromDisk(entry.ID)
	}
	return len(victims)
}

// OpenMessage loads the raw message of an entry from disk.
func (q *Queue) OpenMessage(entry *Entry) (*msg.Message, error) {
	raw, err := os.ReadFile(q.bodyPath(entry.ID))
	if err != nil {
		return nil, exterrors.WithTemporary(err, true)
	}
	return msg.FromRaw(entry.ID, entry.Envelope, entry.CreatedAt, entry.Priority, raw), nil
}

func (q *Queue) metaPath(id string) string {
	return filepath.Join(q.location, id+".meta")
}

func (q *Queue) bodyPath(id string) string {
	return filepath.Join(q.location, id+".body")
}

func (q *Queue) readMeta(id string) (*Entry, error) {
	file, err := os.Open(q.metaPath(id))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	entry := &Entry{}
	if err := json.NewDecoder(file).Decode(entry); err != nil {
		return nil, err
	}
	if entry.RcptErrs == nil {
		entry.RcptErrs = map[string]*exterrors.SMTPError{}
	}
	return entry, nil
}

func (q *Queue) writeMeta(entry *Entry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return writeAtomic(q.metaPath(entry.ID), blob)
}

// discardBroken renames the metadata so the entry is skipped on the next
// scan but the data is kept for inspection. Called when the metadata or
// body cannot be used, so errors are only logged.
func (q *Queue) discardBroken(id string) {
	if err := os.Rename(q.metaPath(id), q.metaPath(id)+"_broken"); err != nil {
		q.Log.Error("cannot set aside broken entry", err, "id", id)
	}
}

func (q *Queue) removeFromDisk(id string) {
	q.tryRemove(q.bodyPath(id))
	q.tryRemove(q.metaPath(id))
}

func (q *Queue) tryRemove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		q.Log.Error("file remove failed", err, "path", path)
	}
}

func writeAtomic(path string, blob []byte) error {
	file, err := os.Create(path + ".new")
	if err != nil {
		return err
	}
	if _, err := file.Write(blob); err != nil {
		file.Close()
		os.Remove(path + ".new")
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path + ".new")
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(path + ".new")
		return err
	}
	return os.Rename(path+".new", path)
}
