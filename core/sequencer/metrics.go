package sequencer

type Metrics interface {
	EventsReleased(scope Scope, count int)
	EventDropped(reason error)
	GapSkipped(scope Scope, size uint64)
	PendingEvents(count int)
}

type nopMetrics struct{}

func (nopMetrics) EventsReleased(Scope, int) {}
func (nopMetrics) EventDropped(error)        {}
func (nopMetrics) GapSkipped(Scope, uint64)  {}
func (nopMetrics) PendingEvents(int)         {}

func NopMetrics() Metrics { return nopMetrics{} }
