package vmcore

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/nova/internal/observability"
)

// Span attribute keys for the collection driver, namespaced under
// vmcore.* in the style of the nova.* keys in
// internal/observability/tracer.go.
var (
	attrOutcome      = attribute.Key("vmcore.outcome")
	attrVMCount      = attribute.Key("vmcore.vm_count")
	attrMutatorCount = attribute.Key("vmcore.mutator_count")
	attrStaleQueued  = attribute.Key("vmcore.stale_refs_queued")
)

// startCollectSpan opens the top-level span for one Collect call.
func startCollectSpan(ctx context.Context) (context.Context, trace.Span) {
	return observability.StartSpan(ctx, "vmcore.collect")
}

// startPhaseSpan opens a child span for one collection phase.
func startPhaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return observability.StartSpan(ctx, "vmcore.collect."+phase)
}
