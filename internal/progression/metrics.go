package progression

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/agentworkforce/progressvault/internal/progression"

type instruments struct {
	saveFailures metric.Int64Counter
	rejections   metric.Int64Counter
	regressions  metric.Int64Counter
	rescueHits   metric.Int64Counter
	flushes      metric.Int64Counter
}

// Instruments bind to the global meter provider the first time they are
// used, so hosts must install their provider before constructing an engine.
var loadInstruments = sync.OnceValue(func() instruments {
	meter := otel.Meter(meterName)
	var inst instruments
	inst.saveFailures, _ = meter.Int64Counter("progression.save.failures",
		metric.WithDescription("Backend writes that returned an error."))
	inst.rejections, _ = meter.Int64Counter("progression.validation.rejections",
		metric.WithDescription("Flushes rejected by the write guard."))
	inst.regressions, _ = meter.Int64Counter("progression.regressions",
		metric.WithDescription("Flushes rejected because stored progress would regress."))
	inst.rescueHits, _ = meter.Int64Counter("progression.rescue.hits",
		metric.WithDescription("Rescue probe scans that recovered progress."))
	inst.flushes, _ = meter.Int64Counter("progression.flushes",
		metric.WithDescription("Flushes that reached the backends."))
	return inst
})

func recordSaveFailure(ctx context.Context, backend BackendID) {
	if c := loadInstruments().saveFailures; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", string(backend))))
	}
}

func recordRejection(ctx context.Context, rule ValidationRule) {
	inst := loadInstruments()
	if inst.rejections != nil {
		inst.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", string(rule))))
	}
	if rule == RuleRegression && inst.regressions != nil {
		inst.regressions.Add(ctx, 1)
	}
}

func recordRescueHit(ctx context.Context, backend BackendID) {
	if c := loadInstruments().rescueHits; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", string(backend))))
	}
}

func recordFlush(ctx context.Context, immediate bool) {
	if c := loadInstruments().flushes; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.Bool("immediate", immediate)))
	}
}
