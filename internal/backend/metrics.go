package backend

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/taskflow/internal/backend"

// Metrics for the backend command surface
var (
	commandCounter  metric.Int64Counter
	commandDuration metric.Float64Histogram
	eventCounter    metric.Int64Counter
)

func init() {
	initMetrics()
}

// initMetrics initializes OpenTelemetry metrics for backend commands.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	commandCounter, err = meter.Int64Counter(
		"taskflow.backend.commands",
		metric.WithDescription("Total number of backend command invocations"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create command counter: %v", err))
	}

	commandDuration, err = meter.Float64Histogram(
		"taskflow.backend.command.duration",
		metric.WithDescription("Duration of backend command round trips"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create command duration histogram: %v", err))
	}

	eventCounter, err = meter.Int64Counter(
		"taskflow.backend.progress_events",
		metric.WithDescription("Progress events received on the event stream"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create event counter: %v", err))
	}
}
