package incident

import (
	"cmp"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"
)

const idDateLayout = "20060102"

// IDAllocator hands out INC-YYYYMMDD-NNN identifiers. The per-day counter is
// seeded from persisted IDs via Observe so a restart never reissues an ID.
type IDAllocator struct {
	mu    sync.Mutex
	now   func() time.Time
	day   string
	seq   int
	floor map[string]int // day -> highest sequence observed
}

// NewIDAllocator returns an allocator using now for the date stamp. A nil now uses time.Now.
func NewIDAllocator(now func() time.Time) *IDAllocator {
	if now == nil {
		now = time.Now
	}
	return &IDAllocator{now: now, floor: make(map[string]int)}
}

// WithClock returns an allocator using now that keeps every floor and the
// current sequence observed so far.
func (a *IDAllocator) WithClock(now func() time.Time) *IDAllocator {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := NewIDAllocator(now)
	b.day = a.day
	b.seq = a.seq
	b.floor = maps.Clone(a.floor)
	return b
}

// Next returns the next identifier. Successive calls are strictly increasing
// by (date, sequence) even if the clock steps backwards.
func (a *IDAllocator) Next() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	day := a.now().UTC().Format(idDateLayout)
	if day > a.day {
		a.day = day
		a.seq = a.floor[day]
	}
	a.seq++
	return fmt.Sprintf("INC-%s-%03d", a.day, a.seq)
}

// Observe records an existing identifier so later allocations never collide with it.
// Identifiers in any other format are ignored.
func (a *IDAllocator) Observe(id string) {
	day, seq, ok := ParseID(id)
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if seq > a.floor[day] {
		a.floor[day] = seq
	}
	if day == a.day && seq > a.seq {
		a.seq = seq
	}
}

// ParseID splits an INC-YYYYMMDD-NNN identifier into its date stamp and sequence.
func ParseID(id string) (day string, seq int, ok bool) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != "INC" {
		return "", 0, false
	}
	if _, err := time.Parse(idDateLayout, parts[1]); err != nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return parts[1], n, true
}

// CompareIDs orders incident identifiers by date stamp, then numeric
// sequence, so INC-20260314-1000 sorts after INC-20260314-999. Identifiers in
// any other format sort after well-formed ones, by plain string order.
func CompareIDs(a, b string) int {
	dayA, seqA, okA := ParseID(a)
	dayB, seqB, okB := ParseID(b)
	switch {
	case okA && okB:
		if c := cmp.Compare(dayA, dayB); c != 0 {
			return c
		}
		if c := cmp.Compare(seqA, seqB); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	case okA:
		return -1
	case okB:
		return 1
	default:
		return cmp.Compare(a, b)
	}
}
