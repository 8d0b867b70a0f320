package sharding

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes.
type Timer interface {
	ObserveDuration()
}

// Outcome labels of a fan-out shard result.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeUnavailable = "unavailable"
	OutcomeCancelled   = "cancelled"
)

// Metrics defines the instrumentation of the sharding layer.
// All methods are thread-safe.
type Metrics interface {
	// Routing
	RouteCompleted(cluster string, success bool)

	// Repository
	HandleOpenDuration(cluster string) Timer
	HandleOpened(cluster string, shard string, success bool)
	HandlesOpen(cluster string, count int)

	// Fan-out
	FanOutDuration(cluster string) Timer
	FanOutShardCompleted(cluster string, shard string, outcome string)

	// Put
	PutDuration(cluster string) Timer
	PutCompleted(cluster string, success bool)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a no-op Timer.
func NopTimer() Timer { return nopTimer{} }

// nopMetrics is a no-op implementation of Metrics.
type nopMetrics struct{}

func (nopMetrics) RouteCompleted(string, bool) {}

func (nopMetrics) HandleOpenDuration(string) Timer   { return nopTimer{} }
func (nopMetrics) HandleOpened(string, string, bool) {}
func (nopMetrics) HandlesOpen(string, int)           {}

func (nopMetrics) FanOutDuration(string) Timer                 { return nopTimer{} }
func (nopMetrics) FanOutShardCompleted(string, string, string) {}

func (nopMetrics) PutDuration(string) Timer  { return nopTimer{} }
func (nopMetrics) PutCompleted(string, bool) {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
