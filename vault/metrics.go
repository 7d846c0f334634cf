package vault

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	meter = otel.Meter("rewind.vault")

	vaultCreatedCounter     metric.Int64Counter
	selectionFailureCounter metric.Int64Counter
)

func init() {
	var err error

	vaultCreatedCounter, err = meter.Int64Counter(
		"vault.created_total",
		metric.WithDescription("Total number of vaults built and verified"),
		metric.WithUnit("{vaults}"),
	)
	if err != nil {
		otel.Handle(err)
		vaultCreatedCounter = noop.Int64Counter{}
	}

	selectionFailureCounter, err = meter.Int64Counter(
		"vault.selection_failures_total",
		metric.WithDescription("Vault sizing attempts that ended in a failure code"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		otel.Handle(err)
		selectionFailureCounter = noop.Int64Counter{}
	}
}
