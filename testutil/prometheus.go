package testutil

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// PromCounterHasValue reports whether the named counter, narrowed by the
// given label values, has exactly the given value.
func PromCounterHasValue(t testing.TB, metrics []*dto.MetricFamily, value float64, name string, labels ...string) bool {
	t.Helper()
	m, ok := findMetric(t, metrics, name, labels...)
	if !ok {
		return false
	}
	return value == m.GetCounter().GetValue()
}

// PromGaugeHasValue reports whether the named gauge, narrowed by the given
// label values, has exactly the given value.
func PromGaugeHasValue(t testing.TB, metrics []*dto.MetricFamily, value float64, name string, labels ...string) bool {
	t.Helper()
	m, ok := findMetric(t, metrics, name, labels...)
	if !ok {
		return false
	}
	return value == m.GetGauge().GetValue()
}

func findMetric(t testing.TB, metrics []*dto.MetricFamily, name string, labels ...string) (*dto.Metric, bool) {
	t.Helper()
	for _, family := range metrics {
		if family.GetName() != name {
			continue
		}
	metricsLoop:
		for _, m := range family.GetMetric() {
			require.Equal(t, len(labels), len(m.GetLabel()))
			for i, lv := range labels {
				if lv != m.GetLabel()[i].GetValue() {
					continue metricsLoop
				}
			}
			return m, true
		}
	}
	return nil, false
}
