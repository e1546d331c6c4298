package transientlog

import (
	"testing"
	"time"

	"github.com/mescon/eventpipe/internal/domain"
	"github.com/mescon/eventpipe/internal/testutil"
)

func TestAppend_AndRange(t *testing.T) {
	clk := testutil.NewMockClock(time.Now())
	l := New(time.Minute, clk)
	defer l.Close()

	l.Append(domain.Envelope{SessionID: "s1", Sequence: 1, EventType: "progress"})
	l.Append(domain.Envelope{SessionID: "s1", Sequence: 2, EventType: "progress"})
	l.Append(domain.Envelope{SessionID: "s1", Sequence: 3, EventType: "error"})

	entries, ok := l.Range("s1", 1)
	if !ok {
		t.Fatal("expected session to be present")
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries since sequence 1, got %d", len(entries))
	}
	if entries[0].Sequence != 2 || entries[1].Sequence != 3 {
		t.Errorf("expected sequences 2,3, got %d,%d", entries[0].Sequence, entries[1].Sequence)
	}
}

func TestRange_UnknownSessionReturnsNotOK(t *testing.T) {
	clk := testutil.NewMockClock(time.Now())
	l := New(time.Minute, clk)
	defer l.Close()

	entries, ok := l.Range("never-seen", 0)
	if ok {
		t.Fatal("expected ok=false for a session with no history")
	}
	if entries != nil {
		t.Errorf("expected nil entries, got %v", entries)
	}
}

func TestLen(t *testing.T) {
	clk := testutil.NewMockClock(time.Now())
	l := New(time.Minute, clk)
	defer l.Close()

	if l.Len("s2") != 0 {
		t.Fatal("expected 0 for unseen session")
	}
	l.Append(domain.Envelope{SessionID: "s2", Sequence: 1})
	l.Append(domain.Envelope{SessionID: "s2", Sequence: 2})
	if l.Len("s2") != 2 {
		t.Errorf("expected 2 entries, got %d", l.Len("s2"))
	}
}

func TestEvict(t *testing.T) {
	clk := testutil.NewMockClock(time.Now())
	l := New(time.Minute, clk)
	defer l.Close()

	l.Append(domain.Envelope{SessionID: "s3", Sequence: 1})
	l.Evict("s3")

	_, ok := l.Range("s3", 0)
	if ok {
		t.Fatal("expected session to be gone after Evict")
	}
}

func TestSweep_ExpiresStaleSessions(t *testing.T) {
	clk := testutil.NewMockClock(time.Now())
	ttl := 2 * time.Second
	l := New(ttl, clk)
	defer l.Close()

	l.Append(domain.Envelope{SessionID: "s4", Sequence: 1})
	clk.Advance(5 * time.Second)

	// sweep runs on a real ticker at ttl/10 (clamped to 1s); give it a moment
	// to observe the mock clock's advanced time.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Len("s4") == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected stale session to be swept away")
}

func TestAppend_RefreshesTTL(t *testing.T) {
	clk := testutil.NewMockClock(time.Now())
	l := New(time.Minute, clk)
	defer l.Close()

	l.Append(domain.Envelope{SessionID: "s5", Sequence: 1})
	clk.Advance(30 * time.Second)
	l.Append(domain.Envelope{SessionID: "s5", Sequence: 2})

	if l.Len("s5") != 2 {
		t.Fatalf("expected both entries retained, got %d", l.Len("s5"))
	}
}
