package events

import (
	"testing"
)

func recvOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return ev
	default:
		t.Fatal("expected a buffered event")
	}
	return Event{}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"db", "db", true},
		{"db", "mail", false},
		{"jobs.*", "jobs.encode", true},
		{"jobs.*", "jobs.encode.video", false},
		{"jobs.>", "jobs.encode", true},
		{"jobs.>", "jobs.encode.video", true},
		{"jobs.>", "jobs", false},
		{"*.encode", "jobs.encode", true},
		{">", "anything.at.all", true},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.name); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	for _, bad := range []string{"", "a.>.b", "c*", "a.b>"} {
		if err := validatePattern(bad); err == nil {
			t.Errorf("pattern %q should be rejected", bad)
		}
	}
	for _, good := range []string{"db", "jobs.*", "jobs.>", "*", ">"} {
		if err := validatePattern(good); err != nil {
			t.Errorf("pattern %q should be accepted: %v", good, err)
		}
	}
}

func TestPublish_ExactAndWildcard(t *testing.T) {
	m := NewManager(4)
	exact, err := m.Subscribe("db")
	if err != nil {
		t.Fatal(err)
	}
	wild, err := m.Subscribe(">")
	if err != nil {
		t.Fatal(err)
	}
	other, err := m.Subscribe("mail")
	if err != nil {
		t.Fatal(err)
	}

	m.Publish(Event{Kind: "granted", Semaphore: "db", LeaseID: "l1"})

	if ev := recvOne(t, exact); ev.LeaseID != "l1" || ev.Kind != "granted" {
		t.Fatalf("exact got %+v", ev)
	}
	if ev := recvOne(t, wild); ev.Semaphore != "db" {
		t.Fatalf("wildcard got %+v", ev)
	}
	select {
	case ev := <-other.C:
		t.Fatalf("mail subscriber should not receive %+v", ev)
	default:
	}
}

func TestPublish_SlowConsumerDropped(t *testing.T) {
	m := NewManager(1)
	sub, err := m.Subscribe("db")
	if err != nil {
		t.Fatal(err)
	}

	m.Publish(Event{Kind: "granted", Semaphore: "db", LeaseID: "l1"})
	// Buffer is full now; the next publish drops the subscriber.
	m.Publish(Event{Kind: "released", Semaphore: "db", LeaseID: "l1"})

	if m.Len() != 0 {
		t.Fatalf("subscriber should be dropped, len=%d", m.Len())
	}
	if ev := recvOne(t, sub); ev.Kind != "granted" {
		t.Fatalf("buffered event: got %+v", ev)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed after drop")
	}
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager(4)
	sub, err := m.Subscribe("jobs.*")
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 1 {
		t.Fatalf("len: got %d want 1", m.Len())
	}
	m.Unsubscribe(sub)
	if m.Len() != 0 {
		t.Fatalf("len: got %d want 0", m.Len())
	}
	// Unsubscribing twice (e.g. after a drop) must not panic.
	m.Unsubscribe(sub)

	m.Publish(Event{Kind: "granted", Semaphore: "jobs.encode", LeaseID: "l1"})
	if _, ok := <-sub.C; ok {
		t.Fatal("unsubscribed channel should be closed and empty")
	}
}

func TestSubscribe_BadPattern(t *testing.T) {
	m := NewManager(4)
	if _, err := m.Subscribe("a.>.b"); err == nil {
		t.Fatal("expected pattern error")
	}
}
