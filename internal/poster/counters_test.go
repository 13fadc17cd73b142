package poster

import (
	"fmt"
	"testing"
)

func TestCounterBufferThreshold(t *testing.T) {
	t.Parallel()
	c := NewCounterBuffer(3)
	key := CounterKey{UserID: "u", AccountID: "a", TargetID: "t"}

	if c.Add(key, 1) {
		t.Fatal("threshold reported too early")
	}
	if c.Add(key, 1) {
		t.Fatal("threshold reported too early")
	}
	if !c.Add(key, 1) {
		t.Fatal("threshold not reported at the boundary")
	}
}

func TestCounterBufferThresholdIsPerKey(t *testing.T) {
	t.Parallel()
	c := NewCounterBuffer(25)

	// One increment on each of many targets stays under every key's
	// threshold, no matter how large the buffer total gets.
	for i := 0; i < 30; i++ {
		key := CounterKey{UserID: "u", AccountID: "a", TargetID: fmt.Sprintf("t%d", i)}
		if c.Add(key, 1) {
			t.Fatalf("threshold tripped on key %d although no single key reached 25", i)
		}
	}

	hot := CounterKey{UserID: "u", AccountID: "a", TargetID: "hot"}
	for i := 0; i < 24; i++ {
		if c.Add(hot, 1) {
			t.Fatalf("threshold tripped at %d increments", i+1)
		}
	}
	if !c.Add(hot, 1) {
		t.Fatal("threshold not reported when one key reached 25")
	}
}

func TestCounterBufferDrainKey(t *testing.T) {
	t.Parallel()
	c := NewCounterBuffer(100)
	k1 := CounterKey{UserID: "u", AccountID: "a", TargetID: "t1"}
	k2 := CounterKey{UserID: "u", AccountID: "a", TargetID: "t2"}

	c.Add(k1, 7)
	c.Add(k2, 2)

	if n := c.DrainKey(k1); n != 7 {
		t.Fatalf("DrainKey = %d, want 7", n)
	}
	if n := c.DrainKey(k1); n != 0 {
		t.Fatalf("second DrainKey = %d, want 0", n)
	}
	if got := c.Drain(); len(got) != 1 || got[k2] != 2 {
		t.Fatalf("remaining = %v", got)
	}
}

func TestCounterBufferDrain(t *testing.T) {
	t.Parallel()
	c := NewCounterBuffer(100)
	k1 := CounterKey{UserID: "u", AccountID: "a", TargetID: "t1"}
	k2 := CounterKey{UserID: "u", AccountID: "a", TargetID: "t2"}

	c.Add(k1, 2)
	c.Add(k1, 1)
	c.Add(k2, 5)

	got := c.Drain()
	if got[k1] != 3 || got[k2] != 5 {
		t.Fatalf("drained %v", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d after drain", c.Pending())
	}
	if again := c.Drain(); again != nil {
		t.Fatalf("second drain = %v, want nil", again)
	}
}

func TestCounterBufferIgnoresNonPositive(t *testing.T) {
	t.Parallel()
	c := NewCounterBuffer(1)
	key := CounterKey{UserID: "u"}
	if c.Add(key, 0) || c.Add(key, -5) {
		t.Fatal("non-positive adds must not trip the threshold")
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d", c.Pending())
	}
}
