package congestion

import "testing"

const mss = 1000

func TestSlowStartGrowsPerPacket(t *testing.T) {
	c := New(DefaultConfig(mss))
	start := c.Window()
	if c.State() != SlowStart {
		t.Fatalf("initial state = %s, want SLOW_START", c.State())
	}

	for i := 0; i < 4; i++ {
		c.OnAck(mss)
	}
	if got, want := c.Window(), start+4*mss; got != want {
		t.Errorf("window after 4 acks = %d, want %d", got, want)
	}

	// partial packets grow by their size, oversized acks by one MSS
	c.OnAck(100)
	c.OnAck(5 * mss)
	if got, want := c.Window(), start+4*mss+100+mss; got != want {
		t.Errorf("window = %d, want %d", got, want)
	}
}

func TestCongestionAvoidanceIsLinear(t *testing.T) {
	cfg := DefaultConfig(mss)
	cfg.InitialWindow = 10 * mss
	cfg.InitialThreshold = 10 * mss
	c := New(cfg)
	if c.State() != CongestionAvoidance {
		t.Fatalf("state = %s, want CONGESTION_AVOIDANCE", c.State())
	}

	// one full window of acks adds one MSS
	for i := 0; i < 10; i++ {
		c.OnAck(mss)
	}
	if got, want := c.Window(), 11*mss; got != want {
		t.Errorf("window after one round trip = %d, want %d", got, want)
	}

	for i := 0; i < 5; i++ {
		c.OnAck(mss)
	}
	if got, want := c.Window(), 11*mss; got != want {
		t.Errorf("window after half a round trip = %d, want %d", got, want)
	}
}

func TestSlowStartHandsOverAtThreshold(t *testing.T) {
	cfg := DefaultConfig(mss)
	cfg.InitialWindow = 2 * mss
	cfg.InitialThreshold = 4 * mss
	c := New(cfg)

	c.OnAck(mss)
	if c.State() != SlowStart {
		t.Fatalf("state = %s before threshold", c.State())
	}
	c.OnAck(mss)
	if c.State() != CongestionAvoidance {
		t.Fatalf("state = %s at threshold, want CONGESTION_AVOIDANCE", c.State())
	}
}

func TestLossHalvesWindow(t *testing.T) {
	cfg := DefaultConfig(mss)
	cfg.InitialWindow = 64 * mss
	c := New(cfg)

	for n := 1; n <= 4; n++ {
		before := c.Window()
		c.OnLoss()
		if c.Window() > before/2 && c.Window() != cfg.MinWindow {
			t.Fatalf("loss %d: window = %d, want <= %d", n, c.Window(), before/2)
		}
		if c.Threshold() != c.Window() {
			t.Errorf("loss %d: threshold = %d, want %d", n, c.Threshold(), c.Window())
		}
		if c.State() != SlowStart {
			t.Errorf("loss %d: state = %s, want SLOW_START", n, c.State())
		}
	}
	if c.Window() != 4*mss {
		t.Errorf("window after 4 losses = %d, want %d", c.Window(), 4*mss)
	}
	if c.Losses() != 4 {
		t.Errorf("Losses() = %d, want 4", c.Losses())
	}
}

func TestLossRespectsFloor(t *testing.T) {
	c := New(DefaultConfig(mss))
	for i := 0; i < 10; i++ {
		c.OnLoss()
	}
	if c.Window() != 2*mss {
		t.Errorf("window = %d, want floor %d", c.Window(), 2*mss)
	}
}

func TestAvailable(t *testing.T) {
	c := New(DefaultConfig(mss))
	w := c.Window()
	if got := c.Available(0); got != w {
		t.Errorf("Available(0) = %d, want %d", got, w)
	}
	if got := c.Available(w - 10); got != 10 {
		t.Errorf("Available(w-10) = %d, want 10", got)
	}
	if got := c.Available(w + 10); got != 0 {
		t.Errorf("Available(w+10) = %d, want 0", got)
	}
}

func TestMaxWindow(t *testing.T) {
	cfg := DefaultConfig(mss)
	cfg.MaxWindow = 5 * mss
	c := New(cfg)
	for i := 0; i < 10; i++ {
		c.OnAck(mss)
	}
	if c.Window() != 5*mss {
		t.Errorf("window = %d, want cap %d", c.Window(), 5*mss)
	}
}
