package telemetry

// Recorder batches up/down byte counts and flushes them to a Collector
// once the accumulated total reaches HotPathFlushThresholdBytes.
//
// A Recorder is NOT safe for concurrent use; each recording goroutine
// needs its own. Call Flush (typically via defer)
// to drain any remaining bytes.
type Recorder struct {
	collector *Collector
	pendingUp uint64
	pendingDn uint64
}

// NewRecorder binds a Recorder to collector. A nil collector makes every
// Record/Flush call a no-op, so callers that don't care about telemetry
// can pass nil.
func NewRecorder(collector *Collector) Recorder {
	return Recorder{collector: collector}
}

func (r *Recorder) RecordUp(bytes uint64) {
	if r.collector == nil || bytes == 0 {
		return
	}
	r.pendingUp += bytes
	if r.pendingUp >= HotPathFlushThresholdBytes {
		r.collector.AddUpBytes(r.pendingUp)
		r.pendingUp = 0
	}
}

func (r *Recorder) RecordDown(bytes uint64) {
	if r.collector == nil || bytes == 0 {
		return
	}
	r.pendingDn += bytes
	if r.pendingDn >= HotPathFlushThresholdBytes {
		r.collector.AddDownBytes(r.pendingDn)
		r.pendingDn = 0
	}
}

func (r *Recorder) Flush() {
	if r.collector == nil {
		return
	}
	if r.pendingUp != 0 {
		r.collector.AddUpBytes(r.pendingUp)
		r.pendingUp = 0
	}
	if r.pendingDn != 0 {
		r.collector.AddDownBytes(r.pendingDn)
		r.pendingDn = 0
	}
}
