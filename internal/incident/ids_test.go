package incident

import (
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIDAllocator_Format(t *testing.T) {
	t.Parallel()

	a := NewIDAllocator(fixedClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)))
	for i, want := range []string{"INC-20260314-001", "INC-20260314-002", "INC-20260314-003"} {
		if got := a.Next(); got != want {
			t.Errorf("Next() #%d = %q, want %q", i, got, want)
		}
	}
}

func TestIDAllocator_DayRollover(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	a := NewIDAllocator(func() time.Time { return now })

	if got := a.Next(); got != "INC-20260314-001" {
		t.Fatalf("Next() = %q", got)
	}
	now = now.Add(2 * time.Minute)
	if got := a.Next(); got != "INC-20260315-001" {
		t.Errorf("after rollover Next() = %q, want INC-20260315-001", got)
	}
}

func TestIDAllocator_ClockStepsBack(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 0, 1, 0, 0, time.UTC)
	a := NewIDAllocator(func() time.Time { return now })

	first := a.Next()
	now = now.Add(-2 * time.Minute)
	second := a.Next()
	if second <= first {
		t.Errorf("ids went backwards: %q then %q", first, second)
	}
}

func TestIDAllocator_ObserveSeedsCounter(t *testing.T) {
	t.Parallel()

	a := NewIDAllocator(fixedClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)))
	a.Observe("INC-20260314-041")
	a.Observe("INC-20260314-007")
	a.Observe("INC-20260313-099")
	a.Observe("not-an-id")

	if got := a.Next(); got != "INC-20260314-042" {
		t.Errorf("Next() = %q, want INC-20260314-042", got)
	}
}

func TestIDAllocator_ObserveAfterNext(t *testing.T) {
	t.Parallel()

	a := NewIDAllocator(fixedClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)))
	_ = a.Next()
	a.Observe("INC-20260314-010")
	if got := a.Next(); got != "INC-20260314-011" {
		t.Errorf("Next() = %q, want INC-20260314-011", got)
	}
}

func TestIDAllocator_ConcurrentUnique(t *testing.T) {
	t.Parallel()

	a := NewIDAllocator(fixedClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)))

	const n = 200
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool, n)
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := a.Next()
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("duplicate id %q", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("got %d unique ids, want %d", len(seen), n)
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id     string
		day    string
		seq    int
		wantOK bool
	}{
		{"INC-20260314-001", "20260314", 1, true},
		{"INC-20260314-1234", "20260314", 1234, true},
		{"INC-2026031-001", "", 0, false},
		{"INC-20261399-001", "", 0, false},
		{"INC-20260314-000", "", 0, false},
		{"INC-20260314-abc", "", 0, false},
		{"BUG-20260314-001", "", 0, false},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			t.Parallel()
			day, seq, ok := ParseID(tt.id)
			if ok != tt.wantOK || day != tt.day || seq != tt.seq {
				t.Errorf("ParseID(%q) = (%q, %d, %v), want (%q, %d, %v)",
					tt.id, day, seq, ok, tt.day, tt.seq, tt.wantOK)
			}
		})
	}
}

func TestIDAllocator_WithClockKeepsFloor(t *testing.T) {
	t.Parallel()

	a := NewIDAllocator(fixedClock(time.Date(2026, 3, 13, 12, 0, 0, 0, time.UTC)))
	a.Observe("INC-20260314-041")
	_ = a.Next()

	b := a.WithClock(fixedClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)))
	if got := b.Next(); got != "INC-20260314-042" {
		t.Errorf("Next() = %q, want INC-20260314-042", got)
	}
	a.Observe("INC-20260314-100")
	if got := b.Next(); got != "INC-20260314-043" {
		t.Errorf("floors are copied, not shared: Next() = %q, want INC-20260314-043", got)
	}
}

func TestCompareIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"INC-20260314-001", "INC-20260314-002", -1},
		{"INC-20260314-999", "INC-20260314-1000", -1},
		{"INC-20260314-1000", "INC-20260315-001", -1},
		{"INC-20260315-001", "INC-20260314-1000", 1},
		{"INC-20260314-007", "INC-20260314-007", 0},
		{"INC-20260314-7", "INC-20260314-007", 1},
		{"INC-20260314-001", "legacy", -1},
		{"legacy", "INC-20260314-001", 1},
		{"a", "b", -1},
	}
	for _, tt := range tests {
		if got := CompareIDs(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareIDs(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
