package debounce

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeClock is a settable clock shared between the test and the buffer.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder collects expired chip ids.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// newManualBuffer returns a buffer whose loop never ticks on its own;
// tests call Flush directly.
func newManualBuffer(t *testing.T, onExpire ExpireFunc) (*Buffer, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	b := New(time.Second, onExpire, zap.NewNop(), WithClock(clk.Now), WithTicks(make(chan time.Time)))
	t.Cleanup(b.Stop)
	return b, clk
}

func TestFlushBeforeWindowDoesNothing(t *testing.T) {
	rec := &recorder{}
	b, clk := newManualBuffer(t, rec.add)

	b.Add("C1")
	clk.Advance(999 * time.Millisecond)
	b.Flush()

	if len(rec.got()) != 0 {
		t.Errorf("expected no expiry before window, got %v", rec.got())
	}
	if b.Pending() != 1 {
		t.Errorf("expected 1 pending, got %d", b.Pending())
	}
}

func TestFlushAtWindowExpiresOnce(t *testing.T) {
	rec := &recorder{}
	b, clk := newManualBuffer(t, rec.add)

	b.Add("C1")
	clk.Advance(time.Second)
	b.Flush()
	b.Flush()

	got := rec.got()
	if len(got) != 1 || got[0] != "C1" {
		t.Fatalf("expected [C1], got %v", got)
	}
	if b.Pending() != 0 {
		t.Errorf("expected entry removed after expiry, got %d pending", b.Pending())
	}
}

func TestDuplicateAddKeepsFirstSeen(t *testing.T) {
	rec := &recorder{}
	b, clk := newManualBuffer(t, rec.add)

	b.Add("C1")
	clk.Advance(600 * time.Millisecond)
	b.Add("C1") // must not refresh
	clk.Advance(400 * time.Millisecond)
	b.Flush()

	if got := rec.got(); len(got) != 1 {
		t.Fatalf("expected expiry at original window, got %v", got)
	}
}

func TestEmptyChipIgnored(t *testing.T) {
	b, _ := newManualBuffer(t, func(string) {})
	b.Add("")
	if b.Pending() != 0 {
		t.Errorf("empty chip id should be ignored, got %d pending", b.Pending())
	}
}

func TestContainsConsumes(t *testing.T) {
	b, _ := newManualBuffer(t, func(string) {})

	if b.Contains("M1") {
		t.Error("Contains on empty buffer should be false")
	}
	b.Add("M1")
	if !b.Contains("M1") {
		t.Error("first Contains should be true")
	}
	if b.Contains("M1") {
		t.Error("second Contains should be false (consumed)")
	}
}

func TestCallbackConsumesSibling(t *testing.T) {
	rec := &recorder{}
	var b *Buffer
	var siblingSeen bool
	b, clk := newManualBuffer(t, func(id string) {
		rec.add(id)
		if id == "C1" {
			siblingSeen = b.Contains("M1")
		}
	})

	b.Add("C1")
	clk.Advance(200 * time.Millisecond)
	b.Add("M1")
	clk.Advance(800 * time.Millisecond)
	b.Flush()

	if !siblingSeen {
		t.Error("expected sibling M1 to be pending when C1 expired")
	}

	// M1's own window elapses: it was consumed, so no second callback.
	clk.Advance(500 * time.Millisecond)
	b.Flush()

	got := rec.got()
	if len(got) != 1 || got[0] != "C1" {
		t.Errorf("expected only C1 to expire, got %v", got)
	}
}

func TestSiblingsExpiringTogetherDecideOnce(t *testing.T) {
	rec := &recorder{}
	var b *Buffer
	b, clk := newManualBuffer(t, func(id string) {
		rec.add(id)
		other := "M1"
		if id == "M1" {
			other = "C1"
		}
		b.Contains(other)
	})

	b.Add("C1")
	b.Add("M1")
	clk.Advance(time.Second)
	b.Flush()

	if got := rec.got(); len(got) != 1 {
		t.Errorf("expected one decision for the pair, got %v", got)
	}
}

func TestFlushOrderOldestFirst(t *testing.T) {
	rec := &recorder{}
	b, clk := newManualBuffer(t, rec.add)

	b.Add("B")
	clk.Advance(10 * time.Millisecond)
	b.Add("A")
	clk.Advance(10 * time.Millisecond)
	b.Add("C")
	clk.Advance(2 * time.Second)
	b.Flush()

	got := rec.got()
	want := []string{"B", "A", "C"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestStopInsideCallbackAbortsFlush(t *testing.T) {
	rec := &recorder{}
	var b *Buffer
	b, clk := newManualBuffer(t, func(id string) {
		rec.add(id)
		b.Stop()
	})

	b.Add("A")
	clk.Advance(time.Millisecond)
	b.Add("B")
	clk.Advance(2 * time.Second)
	b.Flush()

	got := rec.got()
	if len(got) != 1 || got[0] != "A" {
		t.Errorf("expected flush to abort after A, got %v", got)
	}
	if !b.Stopped() {
		t.Error("buffer should report stopped")
	}
}

func TestCallbackPanicDoesNotStopFlush(t *testing.T) {
	rec := &recorder{}
	b, clk := newManualBuffer(t, func(id string) {
		rec.add(id)
		if id == "A" {
			panic("boom")
		}
	})

	b.Add("A")
	clk.Advance(time.Millisecond)
	b.Add("B")
	clk.Advance(2 * time.Second)
	b.Flush()

	got := rec.got()
	if len(got) != 2 {
		t.Fatalf("expected both entries processed, got %v", got)
	}
	if b.Pending() != 0 {
		t.Errorf("panicking entry should still be removed, got %d pending", b.Pending())
	}
}

func TestStoppedBufferIgnoresAdd(t *testing.T) {
	rec := &recorder{}
	b, clk := newManualBuffer(t, rec.add)

	b.Add("A")
	b.Stop()
	b.Stop() // idempotent
	b.Add("B")
	clk.Advance(2 * time.Second)
	b.Flush()

	if b.Pending() != 0 {
		t.Errorf("stopped buffer should hold nothing, got %d", b.Pending())
	}
	if len(rec.got()) != 0 {
		t.Errorf("stopped buffer should not expire anything, got %v", rec.got())
	}
}

func TestLoopExpiresWithRealTicker(t *testing.T) {
	expired := make(chan string, 1)
	b := New(20*time.Millisecond, func(id string) { expired <- id }, zap.NewNop())
	defer b.Stop()

	b.Add("C1")

	select {
	case id := <-expired:
		if id != "C1" {
			t.Errorf("expected C1, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry")
	}
}

func TestLoopHonoursStop(t *testing.T) {
	expired := make(chan string, 1)
	b := New(20*time.Millisecond, func(id string) { expired <- id }, zap.NewNop())

	b.Add("C1")
	b.Stop()

	select {
	case id := <-expired:
		t.Errorf("unexpected expiry after stop: %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConcurrentAddAndFlush(t *testing.T) {
	rec := &recorder{}
	var b *Buffer
	b, clk := newManualBuffer(t, func(id string) {
		rec.add(id)
		b.Contains("sibling-" + id)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.Add(fmt.Sprintf("chip-%d", i))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			clk.Advance(100 * time.Millisecond)
			b.Flush()
		}
	}()
	wg.Wait()

	clk.Advance(time.Hour)
	b.Flush()

	if got := len(rec.got()); got != 500 {
		t.Errorf("expected every chip to expire exactly once, got %d", got)
	}
}
