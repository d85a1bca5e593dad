package cache

import (
	"errors"
	"testing"
	"time"
)

// stubMemoryReader 按调用顺序回放预置的读数，耗尽后停在最后一个。
type stubMemoryReader struct {
	readings []int64
	err      error
	calls    int
}

func (r *stubMemoryReader) CurrentUsage() (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	idx := r.calls
	if idx >= len(r.readings) {
		idx = len(r.readings) - 1
	}
	r.calls++
	return r.readings[idx], nil
}

func TestClassifyPressureBands(t *testing.T) {
	const budget = int64(100 * 1024 * 1024)
	tests := []struct {
		name    string
		percent int64
		want    PressureBand
	}{
		{"well below budget", 50, BandNone},
		{"just below moderate", 69, BandNone},
		{"moderate boundary", 70, BandModerate},
		{"middle of moderate", 75, BandModerate},
		{"high boundary", 85, BandHigh},
		{"middle of high", 90, BandHigh},
		{"extreme boundary", 95, BandExtreme},
		{"above budget", 110, BandExtreme},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usage := budget * tt.percent / 100
			if got := ClassifyPressure(usage, budget); got != tt.want {
				t.Fatalf("%d%% of budget: expected band %s, got %s", tt.percent, tt.want, got)
			}
		})
	}
}

func TestClassifyPressureZeroBudget(t *testing.T) {
	if got := ClassifyPressure(1024, 0); got != BandNone {
		t.Fatalf("zero budget must classify as none, got %s", got)
	}
}

func TestEvictionFractionPerBand(t *testing.T) {
	tests := []struct {
		band PressureBand
		want float64
	}{
		{BandNone, 0},
		{BandModerate, 0.20},
		{BandHigh, 0.50},
		{BandExtreme, 1.0},
	}
	for _, tt := range tests {
		if got := tt.band.EvictionFraction(); got != tt.want {
			t.Fatalf("band %s: expected fraction %.2f, got %.2f", tt.band, tt.want, got)
		}
	}
}

func TestSampleClassifiesAgainstBudget(t *testing.T) {
	reader := &stubMemoryReader{readings: []int64{90 * 1024 * 1024}}
	m := NewMonitor(reader, 100*1024*1024, MonitorOptions{})

	usage, band := m.Sample()
	if usage != 90*1024*1024 {
		t.Fatalf("unexpected usage %d", usage)
	}
	if band != BandHigh {
		t.Fatalf("expected high band, got %s", band)
	}
}

func TestSampleReadFailureMeansNoPressure(t *testing.T) {
	reader := &stubMemoryReader{err: errors.New("sysctl failed")}
	m := NewMonitor(reader, 100*1024*1024, MonitorOptions{})

	usage, band := m.Sample()
	if usage != 0 || band != BandNone {
		t.Fatalf("read failure should report (0, none), got (%d, %s)", usage, band)
	}
}

func TestCooldownWindowGatesAndExpires(t *testing.T) {
	current := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	m := NewMonitor(&stubMemoryReader{readings: []int64{0}}, 100*1024*1024, MonitorOptions{Clock: clock})

	if m.UnderPressure() {
		t.Fatalf("fresh monitor must not be under pressure")
	}

	m.MarkAggressiveCleanup()
	if !m.UnderPressure() {
		t.Fatalf("cleanup should open the cooldown window")
	}

	current = current.Add(29 * time.Second)
	if !m.UnderPressure() {
		t.Fatalf("cooldown must still hold at 29s")
	}

	current = current.Add(2 * time.Second)
	if m.UnderPressure() {
		t.Fatalf("cooldown must expire after 30s")
	}
}

func TestStateMachineTransitions(t *testing.T) {
	current := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	m := NewMonitor(&stubMemoryReader{readings: []int64{0}}, 100*1024*1024, MonitorOptions{Clock: clock})

	if got := m.State(); got != StateNormal {
		t.Fatalf("initial state should be normal, got %s", got)
	}

	m.MarkAggressiveCleanup()
	if got := m.State(); got != StateAggressiveCleanup {
		t.Fatalf("expected aggressive_cleanup, got %s", got)
	}
	if m.RecoveryDue() {
		t.Fatalf("recovery must not be due while cleaning up")
	}

	// 冷却结束但恢复时刻未到，进入 Recovering。
	current = current.Add(31 * time.Second)
	if got := m.State(); got != StateRecovering {
		t.Fatalf("expected recovering after cooldown, got %s", got)
	}

	// 恢复时刻到达，回到 Normal 且恢复待办生效。
	current = current.Add(30 * time.Second)
	if got := m.State(); got != StateNormal {
		t.Fatalf("expected normal after recovery delay, got %s", got)
	}
	if !m.RecoveryDue() {
		t.Fatalf("recovery should be due once the delay elapses")
	}

	m.AcknowledgeRecovery()
	if m.RecoveryDue() {
		t.Fatalf("acknowledged recovery must not stay due")
	}
}

func TestResetClearsPressureState(t *testing.T) {
	current := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	m := NewMonitor(&stubMemoryReader{readings: []int64{0}}, 100*1024*1024, MonitorOptions{Clock: clock})

	m.MarkAggressiveCleanup()
	m.Reset()

	if m.UnderPressure() {
		t.Fatalf("reset should close the cooldown window")
	}
	if got := m.State(); got != StateNormal {
		t.Fatalf("reset should return to normal, got %s", got)
	}
	if m.RecoveryDue() {
		t.Fatalf("reset should drop any pending recovery")
	}
}

func TestSetBudgetReclassifies(t *testing.T) {
	reader := &stubMemoryReader{readings: []int64{60 * 1024 * 1024}}
	m := NewMonitor(reader, 100*1024*1024, MonitorOptions{})

	if _, band := m.Sample(); band != BandNone {
		t.Fatalf("60MB of 100MB should be none, got %s", band)
	}

	m.SetBudget(64 * 1024 * 1024)
	if _, band := m.Sample(); band != BandHigh {
		t.Fatalf("60MB of 64MB should be high, got %s", band)
	}
}
