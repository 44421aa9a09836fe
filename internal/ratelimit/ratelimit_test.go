package ratelimit

import (
	"testing"
)

func TestAcquireAdmitsWithinBudget(t *testing.T) {
	l := New(Config{GlobalPerSecond: 100, PerChatPerSecond: 100, PerProducerPerSec: 100})

	d := l.Acquire("chat1", "agent1")
	if !d.Admit {
		t.Fatalf("expected admit, got defer %v", d.Defer)
	}
}

func TestAcquireDefersWhenPerChatExhausted(t *testing.T) {
	l := New(Config{GlobalPerSecond: 1000, PerChatPerSecond: 1, PerProducerPerSec: 1000})

	first := l.Acquire("chat1", "agent1")
	if !first.Admit {
		t.Fatalf("expected first acquire to admit, got defer %v", first.Defer)
	}

	second := l.Acquire("chat1", "agent1")
	if second.Admit {
		t.Fatal("expected second acquire on same chat to be deferred")
	}
	if second.Defer <= 0 {
		t.Fatal("expected a positive defer duration")
	}
}

func TestAcquireIsolatesChats(t *testing.T) {
	l := New(Config{GlobalPerSecond: 1000, PerChatPerSecond: 1, PerProducerPerSec: 1000})

	d1 := l.Acquire("chat1", "agent1")
	d2 := l.Acquire("chat2", "agent1")

	if !d1.Admit || !d2.Admit {
		t.Fatalf("expected both distinct chats to admit independently: chat1=%v chat2=%v", d1, d2)
	}
}

func TestAcquireIsolatesProducers(t *testing.T) {
	l := New(Config{GlobalPerSecond: 1000, PerChatPerSecond: 1000, PerProducerPerSec: 1})

	d1 := l.Acquire("chat1", "agentA")
	d2 := l.Acquire("chat1", "agentB")

	if !d1.Admit || !d2.Admit {
		t.Fatalf("expected both distinct producers to admit independently: a=%v b=%v", d1, d2)
	}
}

func TestDefaultsAppliedForZeroConfig(t *testing.T) {
	l := New(Config{})
	d := l.Acquire("chat1", "agent1")
	if !d.Admit {
		t.Fatalf("expected first request under defaults to admit, got defer %v", d.Defer)
	}
}

func TestAcquireGlobalBucketLimitsAcrossChats(t *testing.T) {
	l := New(Config{GlobalPerSecond: 1, PerChatPerSecond: 1000, PerProducerPerSec: 1000})

	l.Acquire("chat1", "agent1")
	d := l.Acquire("chat2", "agent2")
	if d.Admit {
		t.Fatal("expected global bucket to refuse second request across different chats")
	}
}
