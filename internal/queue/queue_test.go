package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/kjstillabower/weather-cache-service/internal/testhelpers"
)

// TestQueue_PopsByScoreThenAge verifies priority order with FIFO tie-breaking.
func TestQueue_PopsByScoreThenAge(t *testing.T) {
	clock := testhelpers.NewClock()
	q := New(10, clock.Now)
	q.Enqueue("berlin", 2)
	q.Enqueue("tokyo", 5)
	q.Enqueue("paris", 2)
	q.Enqueue("oslo", 9)

	want := []string{"oslo", "tokyo", "berlin", "paris"}
	for _, city := range want {
		task, ok := q.PopNext()
		if !ok || task.City != city {
			t.Fatalf("PopNext() = (%q, %v), want %q", task.City, ok, city)
		}
	}
	if _, ok := q.PopNext(); ok {
		t.Error("PopNext() on empty queue ok = true")
	}
}

// TestQueue_EnqueueIsIdempotentAtMaxScore verifies one entry per city at the higher score.
func TestQueue_EnqueueIsIdempotentAtMaxScore(t *testing.T) {
	q := New(10, nil)
	q.Enqueue("London", 3)
	q.Enqueue("london ", 7)
	q.Enqueue("LONDON", 5)

	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	task, _ := q.PopNext()
	if task.City != "london" || task.Score != 7 {
		t.Errorf("task = %+v, want london at score 7", task)
	}
}

// TestQueue_OverflowEvictsLowest verifies a higher-priority arrival displaces the lowest entry.
func TestQueue_OverflowEvictsLowest(t *testing.T) {
	q := New(3, nil)
	q.Enqueue("a", 5)
	q.Enqueue("b", 1)
	q.Enqueue("c", 3)

	if !q.Enqueue("d", 4) {
		t.Fatal("Enqueue(d, 4) = false, want admitted over b")
	}
	if q.Contains("b") {
		t.Error("lowest entry b should have been evicted")
	}
	if q.Len() != 3 || q.Dropped() != 1 {
		t.Errorf("Len() = %d Dropped() = %d, want 3 and 1", q.Len(), q.Dropped())
	}
}

// TestQueue_OverflowRejectsLowerOrEqual verifies a full queue never drops a
// higher-priority entry for a lower one.
func TestQueue_OverflowRejectsLowerOrEqual(t *testing.T) {
	q := New(2, nil)
	q.Enqueue("a", 5)
	q.Enqueue("b", 3)

	if q.Enqueue("c", 1) {
		t.Error("Enqueue(c, 1) = true, want rejected")
	}
	if q.Enqueue("d", 3) {
		t.Error("Enqueue(d, 3) = true, want rejected on tie")
	}
	if !q.Contains("a") || !q.Contains("b") {
		t.Error("existing entries should survive rejected arrivals")
	}
	// Raising an existing key never needs room.
	if !q.Enqueue("b", 10) {
		t.Error("Enqueue(existing) at capacity = false")
	}
	if task, _ := q.PopNext(); task.City != "b" {
		t.Errorf("PopNext() = %q, want b after score raise", task.City)
	}
}

// TestQueue_ConcurrentEnqueue verifies the bound and uniqueness hold under contention.
func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := New(50, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(fmt.Sprintf("city-%d", i), float64(i+g))
			}
		}(g)
	}
	wg.Wait()
	if q.Len() != 50 {
		t.Errorf("Len() = %d, want 50", q.Len())
	}
	seen := map[string]bool{}
	for {
		task, ok := q.PopNext()
		if !ok {
			break
		}
		if seen[task.City] {
			t.Fatalf("duplicate city %q", task.City)
		}
		seen[task.City] = true
	}
}

// TestQueue_RejectsBlankCity verifies empty keys are ignored.
func TestQueue_RejectsBlankCity(t *testing.T) {
	q := New(1, nil)
	if q.Enqueue("   ", 1) {
		t.Error("Enqueue(blank) = true")
	}
}
