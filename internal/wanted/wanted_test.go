package wanted

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAddDedup(t *testing.T) {
	s := New[int](time.Hour, func(int) {})
	defer s.Close()

	if !s.Add(1) {
		t.Fatal("expected first add to succeed")
	}
	if s.Add(1) {
		t.Fatal("expected duplicate add to report already-present")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 pending entry, got %d", s.Len())
	}
}

func TestDeleteRearmsHead(t *testing.T) {
	s := New[string](time.Hour, func(string) {})
	defer s.Close()

	s.Add("a")
	s.Add("b")

	if !s.Delete("a") {
		t.Fatal("expected delete of head to succeed")
	}
	if s.Delete("a") {
		t.Fatal("expected second delete to report absent")
	}
	if !s.Has("b") {
		t.Fatal("expected b to remain pending")
	}
}

func TestTimeoutFires(t *testing.T) {
	var fired atomic.Int32
	s := New[int](10*time.Millisecond, func(key int) {
		fired.Add(1)
	})
	defer s.Close()

	s.Add(42)

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("expected timeout handler to fire")
	}
}
