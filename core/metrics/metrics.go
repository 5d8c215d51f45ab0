// Package metrics defines the instrumentation surface used by the core
// packages. Implementations live in adapters (see adapters/prometheus); the
// core only ever sees these interfaces and falls back to no-ops.
package metrics

// Counter only goes up.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge can go up and down.
type Gauge interface {
	Set(value float64)
	Add(delta float64)
}

// Timer measures one operation. Typical use:
//
//	defer m.StoreAppendDuration("graph").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type nop struct{}

func (nop) Inc()             {}
func (nop) Add(float64)      {}
func (nop) Set(float64)      {}
func (nop) ObserveDuration() {}

func NopCounter() Counter { return nop{} }
func NopGauge() Gauge     { return nop{} }
func NopTimer() Timer     { return nop{} }
