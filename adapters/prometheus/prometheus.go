// Package prometheus provides the Prometheus implementation of
// sharding.Metrics.
package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-sharding/core/sharding"
)

const namespace = "clstr_sharding"

// Shard operations range from in-process map lookups to remote round
// trips: 0.5ms up to ~16s.
var latencyBuckets = prometheus.ExponentialBuckets(0.0005, 2, 16)

type timer struct {
	*prometheus.Timer
}

func (t timer) ObserveDuration() { t.Timer.ObserveDuration() }

func newTimer(o prometheus.Observer) sharding.Timer {
	return timer{prometheus.NewTimer(o)}
}

func success(ok bool) string { return strconv.FormatBool(ok) }
