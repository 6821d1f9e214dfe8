package seqqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alfred-oss/fabric/clock"
)

func TestSubmitAndCompleteAllowsNextRequest(t *testing.T) {
	m := NewManager(Config{MaxQueue: 4}, clock.Real{})

	if err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("first submit should proceed immediately: %v", err)
	}
	m.Complete("openai")

	if err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("second submit after completion should proceed: %v", err)
	}
	m.Complete("openai")
}

func TestSubmitBlocksWhileAnotherIsProcessing(t *testing.T) {
	m := NewManager(Config{MaxQueue: 4}, clock.Real{})

	if err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(5*time.Second))
	}()

	select {
	case <-done:
		t.Fatal("second submit should not proceed while the queue is processing")
	case <-time.After(50 * time.Millisecond):
	}

	m.Complete("openai")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected second submit to proceed after Complete, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second submit never proceeded after Complete")
	}
}

func TestHigherPriorityJumpsLowerPriorityInQueue(t *testing.T) {
	m := NewManager(Config{MaxQueue: 4}, clock.Real{})

	// Occupy the queue so subsequent submissions wait.
	if err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lowDone := make(chan error, 1)
	highDone := make(chan error, 1)
	order := make(chan string, 2)

	go func() {
		err := m.Submit(context.Background(), "openai", PriorityLow, time.Now().Add(5*time.Second))
		order <- "low"
		lowDone <- err
	}()
	time.Sleep(20 * time.Millisecond) // ensure low enqueues first

	go func() {
		err := m.Submit(context.Background(), "openai", PriorityCritical, time.Now().Add(5*time.Second))
		order <- "critical"
		highDone <- err
	}()
	time.Sleep(20 * time.Millisecond) // ensure critical enqueues second

	m.Complete("openai") // releases whichever of low/critical is at the head

	first := <-order
	if first != "critical" {
		t.Fatalf("expected critical priority to be served before low despite arriving later, got %q first", first)
	}
	m.Complete("openai")
	<-order
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	m := NewManager(Config{MaxQueue: 1}, clock.Real{})

	if err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waiterDone := make(chan struct{})
	go func() {
		m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(5*time.Second))
		close(waiterDone)
	}()
	time.Sleep(20 * time.Millisecond) // let the waiter occupy queue capacity

	if err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(5*time.Second)); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull at capacity, got %v", err)
	}

	m.Complete("openai")
	<-waiterDone
	m.Complete("openai")
}

// TestSubmitHonorsAdmissionThatRacesTheDeadline pins down the fix for the
// race where an item is popped and marked Processing at the same instant its
// deadline timer fires: the queue must not report ErrDeadlineExpired for an
// item it already admitted, since no caller would ever call Complete for it
// and the provider's queue would wedge in Processing forever.
func TestSubmitHonorsAdmissionThatRacesTheDeadline(t *testing.T) {
	m := NewManager(Config{MaxQueue: 4}, clock.Real{})

	if err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Complete immediately so the second submit is admitted right around
	// when its own very short deadline would otherwise fire.
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.Complete("openai")
	}()

	err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(6*time.Millisecond))
	if err != nil {
		t.Fatalf("expected the admitted item to report nil even if its deadline fired concurrently, got %v", err)
	}

	if m.State("openai") != Processing {
		t.Fatalf("expected queue left Processing after admission, got %v", m.State("openai"))
	}
	m.Complete("openai")
}

func TestSubmitExpiresAtDeadline(t *testing.T) {
	m := NewManager(Config{MaxQueue: 4}, clock.Real{})

	if err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(30*time.Millisecond))
	if err != ErrDeadlineExpired {
		t.Fatalf("expected ErrDeadlineExpired, got %v", err)
	}
	m.Complete("openai")
}

func TestDrainReleasesPendingWithErrDraining(t *testing.T) {
	m := NewManager(Config{MaxQueue: 4}, clock.Real{})

	if err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(5*time.Second))
	}()
	time.Sleep(20 * time.Millisecond)

	m.Drain("openai")
	if err := <-done; err != ErrDraining {
		t.Fatalf("expected ErrDraining for a pending item on drain, got %v", err)
	}
	if m.State("openai") != Draining {
		t.Fatalf("expected queue state Draining, got %v", m.State("openai"))
	}
}

func TestSubmitRejectsImmediatelyWhileDraining(t *testing.T) {
	m := NewManager(Config{MaxQueue: 4}, clock.Real{})
	m.Drain("openai")

	if err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(time.Second)); err != ErrDraining {
		t.Fatalf("expected ErrDraining while queue is draining, got %v", err)
	}
}

func TestResumeReEnablesQueue(t *testing.T) {
	m := NewManager(Config{MaxQueue: 4}, clock.Real{})
	m.Drain("openai")
	m.Resume("openai")

	if m.State("openai") != Idle {
		t.Fatalf("expected Idle after resume, got %v", m.State("openai"))
	}
	if err := m.Submit(context.Background(), "openai", PriorityNormal, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("expected submit to succeed after resume, got %v", err)
	}
	m.Complete("openai")
}
