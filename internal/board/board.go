// Package board holds the nurse review board: an append-only log of triage results.
// Writers append; readers get copies, so a snapshot never changes under the caller.
package board

import (
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-esi/internal/domain/triage"
)

// Source tells where a board entry came from
type Source string

const (
	SourceEngine   Source = "engine"
	SourceExternal Source = "external"
)

// Entry is one appended result
type Entry struct {
	Seq      int64               `json:"seq"`
	Record   triage.ResultRecord `json:"record"`
	Source   Source              `json:"source"`
	PostedAt time.Time           `json:"posted_at"`
}

// Board is safe for concurrent use
type Board struct {
	mu      sync.RWMutex
	entries []Entry
	latest  map[string]int // patient id -> index into entries
	now     func() time.Time
}

// New creates an empty board
func New() *Board {
	return &Board{
		latest: make(map[string]int),
		now:    time.Now,
	}
}

// Append adds rec and returns the stored entry
func (b *Board) Append(rec triage.ResultRecord, source Source) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := Entry{
		Seq:      int64(len(b.entries)) + 1,
		Record:   copyRecord(rec),
		Source:   source,
		PostedAt: b.now().UTC(),
	}
	b.entries = append(b.entries, e)
	b.latest[rec.PatientID] = len(b.entries) - 1
	return e
}

// Snapshot returns every entry in append order
func (b *Board) Snapshot() []Entry {
	return b.Since(0)
}

// Since returns the entries with Seq greater than seq
func (b *Board) Since(seq int64) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if seq < 0 {
		seq = 0
	}
	if seq >= int64(len(b.entries)) {
		return []Entry{}
	}
	return copyEntries(b.entries[seq:])
}

// Latest returns the newest entry per patient, ordered by Seq
func (b *Board) Latest() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx := make([]int, 0, len(b.latest))
	for _, i := range b.latest {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]Entry, len(idx))
	for n, i := range idx {
		out[n] = copyEntry(b.entries[i])
	}
	return out
}

// Get returns the newest entry for a patient
func (b *Board) Get(patientID string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i, ok := b.latest[patientID]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(b.entries[i]), true
}

// PendingVitals counts patients whose newest entry still needs vital signs
func (b *Board) PendingVitals() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, i := range b.latest {
		if b.entries[i].Record.NeedsVitals {
			n++
		}
	}
	return n
}

// Len returns the number of entries
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func copyEntries(src []Entry) []Entry {
	out := make([]Entry, len(src))
	for i, e := range src {
		out[i] = copyEntry(e)
	}
	return out
}

func copyEntry(e Entry) Entry {
	e.Record = copyRecord(e.Record)
	return e
}

func copyRecord(r triage.ResultRecord) triage.ResultRecord {
	if r.UpdatedAt != nil {
		t := *r.UpdatedAt
		r.UpdatedAt = &t
	}
	return r
}
