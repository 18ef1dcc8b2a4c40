package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "taskd/pkg/logx"
)

type fakeSampler struct {
	cpu  atomic.Value // float64
	mem  atomic.Value // float64
	fail atomic.Bool
}

func newFakeSampler(cpu, mem float64) *fakeSampler {
	f := &fakeSampler{}
	f.set(cpu, mem)
	return f
}

func (f *fakeSampler) set(cpu, mem float64) {
	f.cpu.Store(cpu)
	f.mem.Store(mem)
}

func (f *fakeSampler) Sample(context.Context) (Load, error) {
	if f.fail.Load() {
		return Load{}, errors.New("sampler broken")
	}
	return Load{CPUPct: f.cpu.Load().(float64), MemPct: f.mem.Load().(float64)}, nil
}

func TestOverloadedThresholds(t *testing.T) {
	t.Parallel()
	fs := newFakeSampler(50, 50)
	m := New(Config{CPUThresholdPct: 90, MemThresholdPct: 85}, fs, logx.Logger{})
	m.sampleOnce(context.Background())
	if m.Overloaded() {
		t.Fatal("50/50 must not be overloaded")
	}

	fs.set(95, 50)
	m.sampleOnce(context.Background())
	if !m.Overloaded() {
		t.Fatal("cpu over threshold must be overloaded")
	}

	fs.set(50, 90)
	m.sampleOnce(context.Background())
	if !m.Overloaded() {
		t.Fatal("mem over threshold must be overloaded")
	}
}

func TestHeadroom(t *testing.T) {
	t.Parallel()
	fs := newFakeSampler(50, 50)
	m := New(Config{CPUThresholdPct: 90, MemThresholdPct: 85}, fs, logx.Logger{})
	m.sampleOnce(context.Background())
	if !m.Headroom() {
		t.Fatal("50/50 should leave headroom")
	}

	// Above threshold-margin but below threshold: loaded, not overloaded.
	fs.set(85, 50)
	m.sampleOnce(context.Background())
	if m.Overloaded() {
		t.Fatal("85 cpu is under the 90 threshold")
	}
	if m.Headroom() {
		t.Fatal("85 cpu must not count as headroom against a 90 threshold")
	}
}

func TestSampleErrorKeepsPreviousReading(t *testing.T) {
	t.Parallel()
	fs := newFakeSampler(95, 40)
	m := New(Config{}, fs, logx.Logger{})
	m.sampleOnce(context.Background())
	if !m.Overloaded() {
		t.Fatal("setup: expected overloaded")
	}

	fs.fail.Store(true)
	m.sampleOnce(context.Background())
	if got := m.Load(); got.CPUPct != 95 {
		t.Fatalf("failed sample must keep previous reading, got %+v", got)
	}
	if !m.Overloaded() {
		t.Fatal("backpressure must persist through sampler failures")
	}
	if m.SampleErrors() != 1 {
		t.Fatalf("SampleErrors = %d, want 1", m.SampleErrors())
	}
}

func TestLoadClamped(t *testing.T) {
	t.Parallel()
	fs := newFakeSampler(150, -3)
	m := New(Config{}, fs, logx.Logger{})
	m.sampleOnce(context.Background())
	got := m.Load()
	if got.CPUPct != 100 || got.MemPct != 0 {
		t.Fatalf("Load = %+v, want clamped to [0,100]", got)
	}
}

func TestApplyChangesInterval(t *testing.T) {
	t.Parallel()
	m := New(Config{}, newFakeSampler(0, 0), logx.Logger{})
	if m.Interval() != 5*time.Second {
		t.Fatalf("default interval = %v", m.Interval())
	}
	m.Apply(Config{SampleInterval: time.Second, CPUThresholdPct: 50})
	if m.Interval() != time.Second {
		t.Fatalf("applied interval = %v", m.Interval())
	}
	m.load.Store(Load{CPUPct: 60})
	if !m.Overloaded() {
		t.Fatal("new 50%% threshold must apply immediately")
	}
}
