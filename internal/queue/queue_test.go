package queue

import (
	"sync"
	"testing"
	"time"
)

func TestTryClaim_OnlyOneWinnerPerThread(t *testing.T) {
	q := New()
	if !q.TryClaim("t1") {
		t.Fatal("first claim should succeed")
	}
	if q.TryClaim("t1") {
		t.Fatal("second claim on the same thread should fail")
	}
	if !q.TryClaim("t2") {
		t.Fatal("claim on a different thread should succeed")
	}
}

func TestPopNext_FIFOOrderAndEmptyCleanup(t *testing.T) {
	q := New()
	q.EnqueueBehind("t1", Message{ThreadID: "t1", Text: "a"})
	q.EnqueueBehind("t1", Message{ThreadID: "t1", Text: "b"})

	m1, ok := q.PopNext("t1")
	if !ok || m1.Text != "a" {
		t.Fatalf("first pop = %+v, ok=%v", m1, ok)
	}
	m2, ok := q.PopNext("t1")
	if !ok || m2.Text != "b" {
		t.Fatalf("second pop = %+v, ok=%v", m2, ok)
	}
	if _, ok := q.PopNext("t1"); ok {
		t.Fatal("expected empty queue after draining")
	}
	if _, exists := q.queues["t1"]; exists {
		t.Error("expected empty thread entry to be removed")
	}
}

func TestRelease_AllowsReclaim(t *testing.T) {
	q := New()
	q.TryClaim("t1")
	q.Release("t1")
	if !q.TryClaim("t1") {
		t.Fatal("expected to reclaim after release")
	}
}

func TestSubmit_PreservesPerThreadOrderWithSingleWorker(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	dispatch := func(m Message) {
		time.Sleep(5 * time.Millisecond) // exercise the serialization, not just luck
		mu.Lock()
		order = append(order, m.Text)
		mu.Unlock()
		wg.Done()
	}

	wg.Add(3)
	q.Submit(Message{ThreadID: "t1", Text: "1"}, dispatch)
	q.Submit(Message{ThreadID: "t1", Text: "2"}, dispatch)
	q.Submit(Message{ThreadID: "t1", Text: "3"}, dispatch)
	wg.Wait()

	want := []string{"1", "2", "3"}
	if len(order) != len(want) {
		t.Fatalf("order = %+v, want %+v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestSubmit_DifferentThreadsRunConcurrently(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	wg.Add(2)
	var mu sync.Mutex
	active := 0
	maxActive := 0

	dispatch := func(m Message) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		wg.Done()
	}

	q.Submit(Message{ThreadID: "t1"}, dispatch)
	q.Submit(Message{ThreadID: "t2"}, dispatch)
	wg.Wait()

	if maxActive < 2 {
		t.Errorf("expected two threads to process concurrently, maxActive=%d", maxActive)
	}
}
