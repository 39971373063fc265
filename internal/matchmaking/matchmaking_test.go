package matchmaking

import (
	"testing"
	"time"
)

func TestEnqueue_DedupesByUserID(t *testing.T) {
	l := newTestLoop()

	if !l.Enqueue(Candidate{UserID: 1, Username: "alice", SessionID: "s1"}) {
		t.Fatalf("expected first enqueue for user 1 to succeed")
	}
	if l.Enqueue(Candidate{UserID: 1, Username: "alice", SessionID: "s1-new"}) {
		t.Fatalf("expected duplicate enqueue for user 1 to be rejected")
	}

	// Drain the incoming channel the way Run would, so the waiting list
	// actually reflects the admitted candidate.
	select {
	case c := <-l.incoming:
		l.admit(c)
	case <-time.After(time.Second):
		t.Fatalf("candidate never reached the incoming channel")
	}

	if depth := l.QueueDepth(); depth != 1 {
		t.Errorf("expected queue depth 1, got %d", depth)
	}
}

func TestCancel_RemovesWaitingCandidate(t *testing.T) {
	l := newTestLoop()
	l.waiting = []Candidate{{UserID: 7, SessionID: "s7"}, {UserID: 8, SessionID: "s8"}}
	l.dedup[7] = struct{}{}
	l.dedup[8] = struct{}{}

	if !l.Cancel(7) {
		t.Fatalf("expected Cancel(7) to report removal")
	}
	if l.QueueDepth() != 1 {
		t.Errorf("expected 1 candidate left, got %d", l.QueueDepth())
	}
	if l.Cancel(7) {
		t.Errorf("expected a second Cancel(7) to report no-op")
	}
	if l.Cancel(999) {
		t.Errorf("expected Cancel of an absent user to report no-op")
	}
}

func TestPurgeStale_RemovesExpiredCandidates(t *testing.T) {
	l := newTestLoop()
	l.staleness = 100 * time.Millisecond
	l.waiting = []Candidate{
		{UserID: 1, SessionID: "s1", Timestamp: time.Now().Add(-time.Second)},
		{UserID: 2, SessionID: "s2", Timestamp: time.Now()},
	}
	l.dedup[1] = struct{}{}
	l.dedup[2] = struct{}{}

	l.purgeStale()

	if l.QueueDepth() != 1 {
		t.Fatalf("expected 1 surviving candidate, got %d", l.QueueDepth())
	}
	if _, stillDeduped := l.dedup[1]; stillDeduped {
		t.Errorf("expected stale candidate's dedup entry to be cleared")
	}
}

func TestPopPair_RequiresTwoWaiting(t *testing.T) {
	l := newTestLoop()
	l.waiting = []Candidate{{UserID: 1, SessionID: "s1"}}
	l.dedup[1] = struct{}{}

	if _, _, ok := l.popPair(); ok {
		t.Fatalf("expected popPair to fail with only one candidate waiting")
	}

	l.waiting = append(l.waiting, Candidate{UserID: 2, SessionID: "s2"})
	l.dedup[2] = struct{}{}

	p1, p2, ok := l.popPair()
	if !ok {
		t.Fatalf("expected popPair to succeed with two candidates waiting")
	}
	if p1.UserID != 1 || p2.UserID != 2 {
		t.Errorf("expected FIFO order (1, 2), got (%d, %d)", p1.UserID, p2.UserID)
	}
	if l.QueueDepth() != 0 {
		t.Errorf("expected both candidates removed from the waiting list")
	}
}

func newTestLoop() *Loop {
	return &Loop{
		staleness: 300 * time.Second,
		incoming:  make(chan Candidate, 8),
		dedup:     make(map[int64]struct{}),
		results:   make(map[string]string),
	}
}
