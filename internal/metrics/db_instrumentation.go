package metrics

import (
	"time"
)

// MeasureDBQuery wraps a store operation with timing instrumentation.
//
//	defer metrics.MeasureDBQuery(m, "get_purchase", "postgres")()
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBQuery(operation, backend, time.Since(start))
	}
}
