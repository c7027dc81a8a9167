package schedule

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock. After registers a waiter that is
// released once Advance moves the clock past its deadline.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	var pending []fakeWaiter
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			pending = append(pending, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = pending
}

func (c *fakeClock) waiterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "23:59", want: TimeOfDay{Hour: 23, Minute: 59}},
		{in: "00:30", want: TimeOfDay{Hour: 0, Minute: 30}},
		{in: " 9:05 ", want: TimeOfDay{Hour: 9, Minute: 5}},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTimeOfDay(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeOfDay(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTimeOfDayNext(t *testing.T) {
	at := TimeOfDay{Hour: 23, Minute: 59}

	before := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	if got := at.Next(before); !got.Equal(time.Date(2026, 8, 21, 23, 59, 0, 0, time.UTC)) {
		t.Errorf("Next before trigger time: got %s", got)
	}

	exact := time.Date(2026, 8, 21, 23, 59, 0, 0, time.UTC)
	if got := at.Next(exact); !got.Equal(time.Date(2026, 8, 22, 23, 59, 0, 0, time.UTC)) {
		t.Errorf("Next at exact trigger time: got %s", got)
	}

	after := time.Date(2026, 8, 21, 23, 59, 30, 0, time.UTC)
	if got := at.Next(after); !got.Equal(time.Date(2026, 8, 22, 23, 59, 0, 0, time.UTC)) {
		t.Errorf("Next after trigger time: got %s", got)
	}
}

func TestTriggerFiresAtConfiguredTime(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC))
	s := NewWithClock(clk)

	fired := make(chan time.Time, 1)
	s.Add("report", TimeOfDay{Hour: 10, Minute: 30}, func(_ context.Context, fireTime time.Time) {
		fired <- fireTime
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, "trigger loop to arm", func() bool { return clk.waiterCount() == 1 })
	clk.Advance(30 * time.Minute)

	select {
	case fireTime := <-fired:
		want := time.Date(2026, 8, 21, 10, 30, 0, 0, time.UTC)
		if !fireTime.Equal(want) {
			t.Errorf("fire time: got %s, want %s", fireTime, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never fired")
	}

	cancel()
	<-done
}

// TestOverlapSkipsTick blocks the first run across the next day's tick and
// verifies the scheduler skips that tick rather than starting a second run.
func TestOverlapSkipsTick(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 8, 21, 23, 0, 0, 0, time.UTC))
	s := NewWithClock(clk)

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	s.Add("report", TimeOfDay{Hour: 23, Minute: 59}, func(context.Context, time.Time) {
		started <- struct{}{}
		<-release
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, "trigger loop to arm", func() bool { return clk.waiterCount() == 1 })
	clk.Advance(59 * time.Minute)
	<-started

	// Next tick arrives while the first run is still blocked.
	waitFor(t, "trigger loop to re-arm", func() bool { return clk.waiterCount() == 1 })
	clk.Advance(24 * time.Hour)

	waitFor(t, "trigger loop to re-arm after skip", func() bool { return clk.waiterCount() == 1 })
	if len(started) != 0 {
		t.Fatal("second run started while the first was still in flight")
	}

	// Let the first run finish, then fire again.
	close(release)
	waitFor(t, "in-flight flag to clear", func() bool { return !s.triggers[0].inFlight.Load() })
	clk.Advance(24 * time.Hour)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never fired after the blocked run finished")
	}

	cancel()
	<-done
}

// TestTriggersIndependent verifies a permanently blocked job on one trigger
// does not stop another trigger from firing.
func TestTriggersIndependent(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 8, 21, 23, 0, 0, 0, time.UTC))
	s := NewWithClock(clk)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	s.Add("report", TimeOfDay{Hour: 23, Minute: 59}, func(context.Context, time.Time) {
		<-block
	})

	cleanupFired := make(chan struct{}, 1)
	s.Add("cleanup", TimeOfDay{Hour: 0, Minute: 30}, func(context.Context, time.Time) {
		cleanupFired <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, "both trigger loops to arm", func() bool { return clk.waiterCount() == 2 })
	clk.Advance(59 * time.Minute) // 23:59: report fires and blocks
	clk.Advance(31 * time.Minute) // 00:30: cleanup must still fire

	select {
	case <-cleanupFired:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup trigger blocked by the report trigger")
	}

	cancel()
	<-done
}
