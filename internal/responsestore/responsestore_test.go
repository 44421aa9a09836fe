package responsestore

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestUpsertNewThenDuplicate(t *testing.T) {
	s := newTestStore(t)
	r := Response{EventID: "e1", ChatUserID: "u1", ActionCode: "approve", Ingress: IngressPush}

	outcome, err := s.Upsert(r)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if outcome != OutcomeNew {
		t.Fatalf("expected OutcomeNew, got %v", outcome)
	}

	r2 := Response{EventID: "e1", ChatUserID: "u1", ActionCode: "approve", Ingress: IngressPull}
	outcome2, err := s.Upsert(r2)
	if err != nil {
		t.Fatalf("Upsert duplicate: %v", err)
	}
	if outcome2 != OutcomeDuplicate {
		t.Fatalf("expected OutcomeDuplicate, got %v", outcome2)
	}

	if s.Count() != 1 {
		t.Fatalf("expected exactly one persisted record, got %d", s.Count())
	}
}

func TestUpsertDistinctActionCodesAreIndependent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert(Response{EventID: "e1", ChatUserID: "u1", ActionCode: "approve"}); err != nil {
		t.Fatal(err)
	}
	outcome, err := s.Upsert(Response{EventID: "e1", ChatUserID: "u1", ActionCode: "deny"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeNew {
		t.Fatalf("distinct action_code should not dedup, got %v", outcome)
	}
}

func TestIndexRebuildsFromDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(Response{EventID: "e1", ChatUserID: "u1", ActionCode: "ack"}); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	outcome, err := reopened.Upsert(Response{EventID: "e1", ChatUserID: "u1", ActionCode: "ack"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("expected restart to rebuild dedup index from disk, got %v", outcome)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	s := newTestStore(t)
	old := Response{EventID: "old", ChatUserID: "u1", ActionCode: "ack", ReceivedAt: time.Now().Add(-48 * time.Hour)}
	recent := Response{EventID: "new", ChatUserID: "u1", ActionCode: "ack", ReceivedAt: time.Now()}
	if _, err := s.Upsert(old); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(recent); err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeOlderThan(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("expected to purge 1 record, purged %d", purged)
	}
	if s.Count() != 1 {
		t.Fatalf("expected 1 record remaining, got %d", s.Count())
	}
}

func TestPurgeByFamilyRespectsOverride(t *testing.T) {
	s, err := New(Config{
		Dir:           t.TempDir(),
		RetentionDays: 90,
		RetentionFor: func(family string) int {
			if family == "security_alert" {
				return 365
			}
			return 1
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	stale := Response{EventID: "e1", ChatUserID: "u1", ActionCode: "ack", Family: "notifications", ReceivedAt: time.Now().Add(-48 * time.Hour)}
	securityOld := Response{EventID: "e2", ChatUserID: "u1", ActionCode: "ack", Family: "security_alert", ReceivedAt: time.Now().Add(-48 * time.Hour)}
	if _, err := s.Upsert(stale); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(securityOld); err != nil {
		t.Fatal(err)
	}

	purged, err := s.purgeByFamily()
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("expected only the notifications record to be purged, purged %d", purged)
	}
	if s.Count() != 1 {
		t.Fatalf("expected the security_alert record to survive, count=%d", s.Count())
	}
}
