package bus

import (
	"fmt"
	"testing"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe(OutputTopic("t1"))
	defer sub.Cancel()

	for i := 0; i < 5; i++ {
		b.Publish(OutputTopic("t1"), fmt.Sprintf("chunk-%d", i))
	}
	for i := 0; i < 5; i++ {
		got := <-sub.C
		want := fmt.Sprintf("chunk-%d", i)
		if got != want {
			t.Fatalf("delivery %d: got %q, want %q", i, got, want)
		}
	}
}

func TestPublishDoesNotReachOtherTopics(t *testing.T) {
	b := New()
	out := b.Subscribe(OutputTopic("t1"))
	norm := b.Subscribe(NormalizedTopic("t1"))
	defer out.Cancel()
	defer norm.Cancel()

	b.Publish(OutputTopic("t1"), "raw")
	select {
	case got := <-norm.C:
		t.Fatalf("normalized topic received %q", got)
	default:
	}
	if got := <-out.C; got != "raw" {
		t.Fatalf("got %q, want %q", got, "raw")
	}
}

func TestCancelIsIdempotentAndStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(OutputTopic("t1"))
	sub.Cancel()
	sub.Cancel()

	// Must not panic on publish after cancel.
	b.Publish(OutputTopic("t1"), "late")
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected closed channel after cancel")
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New()
	sub := b.Subscribe(OutputTopic("t1"))
	defer sub.Cancel()

	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		b.Publish(OutputTopic("t1"), fmt.Sprintf("%d", i))
	}
	if sub.Dropped() == 0 {
		t.Fatalf("expected drops after overflowing the buffer")
	}
	// The newest payload must still be buffered.
	var last string
	for {
		select {
		case v := <-sub.C:
			last = v
			continue
		default:
		}
		break
	}
	if want := fmt.Sprintf("%d", total-1); last != want {
		t.Fatalf("newest payload lost: got %q, want %q", last, want)
	}
}

func TestTopicNamesSubstituteUnsafeBytesDistinctly(t *testing.T) {
	plain := OutputTopic("a_b")
	slashed := OutputTopic("a/b")
	colon := OutputTopic("a:b")

	if plain == slashed || slashed == colon || plain == colon {
		t.Fatalf("expected distinct topics, got %q %q %q", plain, slashed, colon)
	}
	for _, topic := range []string{plain, slashed, colon} {
		for i := 0; i < len(topic); i++ {
			if !safeByte(topic[i]) {
				t.Fatalf("topic %q contains unsafe byte %q", topic, topic[i])
			}
		}
	}
}

func TestTopicNamesStableForSafeIDs(t *testing.T) {
	if got, want := OutputTopic("term-1.a"), "term.out.term-1.a"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := NormalizedTopic("term-1.a"), "term.norm.term-1.a"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
