package streamhub

import (
	"context"
	"testing"
	"time"
)

func TestCoordinator_PublishDeliversInOrder(t *testing.T) {
	c := NewCoordinator(nil, 100, time.Minute)
	sub := c.Subscribe("s1")
	defer sub.Close()

	c.Publish("s1", Content(PhaseDefault, "a"))
	c.Publish("s1", Content(PhaseDefault, "b"))
	c.Publish("s1", Content(PhaseDefault, "c"))

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		e, ok := sub.Next(ctx)
		if !ok {
			t.Fatalf("expected event %q, got none", want)
		}
		if e.Content != want {
			t.Errorf("Content = %q, want %q", e.Content, want)
		}
	}
}

func TestCoordinator_OverflowDropsOldest(t *testing.T) {
	c := NewCoordinator(nil, 3, time.Minute)
	sub := c.Subscribe("s1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		c.Publish("s1", Content(PhaseDefault, string(rune('a'+i))))
	}

	ctx := context.Background()
	first, ok := sub.Next(ctx)
	if !ok || first.Content != "c" {
		t.Fatalf("expected oldest-drop to leave 'c' first, got %+v ok=%v", first, ok)
	}
	if sub.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", sub.Dropped())
	}
}

func TestCoordinator_FanOutToMultipleSubscribers(t *testing.T) {
	c := NewCoordinator(nil, 100, time.Minute)
	subA := c.Subscribe("s1")
	subB := c.Subscribe("s1")
	defer subA.Close()
	defer subB.Close()

	c.Publish("s1", Content(PhaseDefault, "hi"))

	ctx := context.Background()
	for _, s := range []*Subscription{subA, subB} {
		e, ok := s.Next(ctx)
		if !ok || e.Content != "hi" {
			t.Fatalf("subscriber did not receive fanned-out event: %+v ok=%v", e, ok)
		}
	}
}

func TestClassifier_ToolCallForcesThinking(t *testing.T) {
	cl := NewClassifier(nil, nil)
	if phase := cl.Classify("anything", true); phase != PhaseThinking {
		t.Errorf("Classify with tool call = %v, want thinking", phase)
	}
}

func TestClassifier_LeadInPhrases(t *testing.T) {
	cl := NewClassifier(nil, nil)
	if phase := cl.Classify("Let me check that for you", false); phase != PhaseThinking {
		t.Errorf("Classify(%q) = %v, want thinking", "Let me...", phase)
	}
	if phase := cl.Classify("Based on the results, the answer is 4", false); phase != PhaseResponse {
		t.Errorf("Classify(%q) = %v, want response", "Based on the results...", phase)
	}
	if phase := cl.Classify("The sky is blue", false); phase != PhaseDefault {
		t.Errorf("Classify(%q) = %v, want default", "The sky is blue", phase)
	}
}
