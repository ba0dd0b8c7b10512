package tasks

import (
	"bytes"
	"fmt"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Exposed metric names
const (
	MetricServiceState   = "svcwatch_service_state"
	MetricServiceRunning = "svcwatch_service_running"
	MetricServiceRSS     = "svcwatch_service_rss_bytes"
)

// MetricsError represents an error that occurred during metrics rendering
type MetricsError struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// CreateMetricsError creates an error message for metrics failures
func CreateMetricsError(err error) *MetricsError {
	return &MetricsError{
		Status:    "error",
		Error:     err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// RenderMetrics writes service statuses in the Prometheus text exposition
// format. The state gauge carries the raw manager state as its value.
func (e *Executor) RenderMetrics(statuses []ServiceStatus) (string, error) {
	state := gaugeFamily(MetricServiceState, "Raw service manager state (1=stopped .. 7=paused, 0=not found, 255=unknown).")
	running := gaugeFamily(MetricServiceRunning, "1 if the service is running, 0 otherwise.")
	rss := gaugeFamily(MetricServiceRSS, "Resident set size of the service's main process.")

	for _, st := range statuses {
		state.Metric = append(state.Metric, gauge(float64(st.state), "service", st.Name))

		up := 0.0
		if st.Status == ServiceStatusRunning {
			up = 1
		}
		running.Metric = append(running.Metric, gauge(up, "service", st.Name))

		if st.Process != nil {
			rss.Metric = append(rss.Metric, gauge(float64(st.Process.RSSBytes), "service", st.Name))
		}
	}

	var buf bytes.Buffer
	for _, mf := range []*dto.MetricFamily{state, running, rss} {
		if len(mf.Metric) == 0 {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("failed to render %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}

func gaugeFamily(name, help string) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: &name,
		Help: &help,
		Type: dto.MetricType_GAUGE.Enum(),
	}
}

func gauge(value float64, labelName, labelValue string) *dto.Metric {
	return &dto.Metric{
		Label: []*dto.LabelPair{{Name: &labelName, Value: &labelValue}},
		Gauge: &dto.Gauge{Value: &value},
	}
}
