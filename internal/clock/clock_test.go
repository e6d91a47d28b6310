package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	ch := c.After(5 * time.Second)
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", c.Pending())
	}

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Errorf("fired at %v, want %v", got, start.Add(5*time.Second))
		}
	default:
		t.Fatal("waiter did not fire at its deadline")
	}

	if !c.Now().Equal(start.Add(5 * time.Second)) {
		t.Errorf("Now() = %v", c.Now())
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(time.Unix(100, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestRealNow(t *testing.T) {
	before := time.Now()
	got := Real().Now()
	if got.Before(before) {
		t.Errorf("Real().Now() = %v is before %v", got, before)
	}
}
