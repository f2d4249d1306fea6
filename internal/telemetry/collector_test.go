package telemetry

import "testing"

func TestCollectorAddAndSnapshot(t *testing.T) {
	c := NewCollector(0, 0)
	c.AddUpBytes(100)
	c.AddDownBytes(50)
	c.AddUpBytes(25)

	snap := c.Snapshot()
	if snap.UpBytesTotal != 125 {
		t.Fatalf("expected 125 up bytes, got %d", snap.UpBytesTotal)
	}
	if snap.DownBytesTotal != 50 {
		t.Fatalf("expected 50 down bytes, got %d", snap.DownBytesTotal)
	}
}

func TestCollectorIgnoresZero(t *testing.T) {
	c := NewCollector(0, 0)
	c.AddUpBytes(0)
	c.AddDownBytes(0)
	snap := c.Snapshot()
	if snap.UpBytesTotal != 0 || snap.DownBytesTotal != 0 {
		t.Fatalf("expected zero totals, got %+v", snap)
	}
}

func TestCollectorUpdateRates(t *testing.T) {
	c := NewCollector(0, 0)
	c.AddUpBytes(1000)
	c.updateRates(c.sampleInterval)
	snap := c.Snapshot()
	if snap.UpRate == 0 {
		t.Fatal("expected a non-zero up rate after a full interval of traffic")
	}
}

func TestRecorderFlushesAtThreshold(t *testing.T) {
	c := NewCollector(0, 0)
	r := NewRecorder(c)
	r.RecordUp(HotPathFlushThresholdBytes - 1)
	if c.Snapshot().UpBytesTotal != 0 {
		t.Fatal("expected no flush before reaching the threshold")
	}
	r.RecordUp(1)
	if c.Snapshot().UpBytesTotal != HotPathFlushThresholdBytes {
		t.Fatalf("expected a flush at the threshold, got %d", c.Snapshot().UpBytesTotal)
	}
}

func TestRecorderFlushDrainsRemainder(t *testing.T) {
	c := NewCollector(0, 0)
	r := NewRecorder(c)
	r.RecordDown(123)
	r.Flush()
	if c.Snapshot().DownBytesTotal != 123 {
		t.Fatalf("expected Flush to drain pending bytes, got %d", c.Snapshot().DownBytesTotal)
	}
}

func TestNilCollectorRecorderIsNoOp(t *testing.T) {
	r := NewRecorder(nil)
	r.RecordUp(1 << 20)
	r.Flush() // must not panic
}
