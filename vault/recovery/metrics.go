package recovery

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	meter = otel.Meter("rewind.recovery")

	recoveryAttemptsCounter metric.Int64Counter
)

func init() {
	var err error
	recoveryAttemptsCounter, err = meter.Int64Counter(
		"recovery.attempts_total",
		metric.WithDescription("Backup recovery attempts by result"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		otel.Handle(err)
		recoveryAttemptsCounter = noop.Int64Counter{}
	}
}
