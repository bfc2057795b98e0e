// Package dispatch implements the Agent Dispatcher (spec.md §4.2): a
// uniform resilience wrapper around the abstract Agent Port applied
// identically to all four worker roles — timeout, exponential-backoff
// retry, a per-(role,instance) circuit breaker, request deduplication, and
// distributed tracing. Generalized from graph/policy.go's RetryPolicy and
// graph/checkpoint.go's ErrMaxAttemptsExceeded, with a new circuit breaker
// the teacher has no precedent for.
package dispatch

import (
	"context"
	"math/rand"
	"time"

	taxerr "github.com/neuroconv/orchestrator/internal/errors"

	"github.com/neuroconv/orchestrator/internal/agentport"
	"github.com/neuroconv/orchestrator/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryPolicy configures per-step retry behavior (spec.md §4.2).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// CircuitPolicy configures the per-(role,instance) breaker (spec.md §4.2).
type CircuitPolicy struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Dispatcher wraps an agentport.Registry with resilience behaviors.
type Dispatcher struct {
	registry *agentport.Registry
	circuits *circuitRegistry
	dedup    *dedupCache
	tracer   trace.Tracer
	rng      *rand.Rand
	metrics  *telemetry.Metrics
}

// New builds a Dispatcher over registry. rng seeds retry jitter
// deterministically when non-nil (replay scenarios); nil uses the global
// source, mirroring graph.computeBackoff's fallback.
func New(registry *agentport.Registry, circuit CircuitPolicy, rng *rand.Rand) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		circuits: newCircuitRegistry(circuit.FailureThreshold, circuit.Cooldown),
		dedup:    newDedupCache(),
		tracer:   otel.Tracer("neuroconv/orchestrator/dispatch"),
		rng:      rng,
	}
}

// WithMetrics attaches a telemetry.Metrics sink for retry and
// circuit-breaker-trip counters. Optional: a Dispatcher with no metrics
// attached simply skips recording.
func (d *Dispatcher) WithMetrics(m *telemetry.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Dispatch invokes the worker bound to req.Role, applying timeout, retry,
// circuit-breaking, deduplication, and tracing uniformly (spec.md §4.2).
// instanceKey identifies the specific worker instance for circuit-breaker
// bucketing (role alone if the role has a single instance).
func (d *Dispatcher) Dispatch(ctx context.Context, req agentport.Request, retry RetryPolicy, timeout time.Duration, instanceKey string) (agentport.Response, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch."+string(req.Role),
		trace.WithAttributes(
			attribute.String("session_id", req.SessionID),
			attribute.String("step_id", req.StepID),
			attribute.String("role", string(req.Role)),
		))
	defer span.End()

	port, ok := d.registry.Resolve(req.Role)
	if !ok {
		err := taxerr.New(taxerr.KindAgentPermanentFailure, "no worker registered for role "+string(req.Role))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return agentport.Response{}, err
	}

	var key string
	if req.Idempotent {
		k, err := requestKey(req.SessionID, req.StepID, req.Payload)
		if err == nil {
			key = k
			if cached, ok := d.dedup.get(key); ok {
				span.SetAttributes(attribute.Bool("deduplicated", true))
				return cached, nil
			}
		}
	}

	cb := d.circuits.get(instanceKey)

	maxAttempts := retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if !cb.allow() {
			err := taxerr.New(taxerr.KindCircuitOpen, "circuit open for "+instanceKey)
			span.RecordError(err)
			return agentport.Response{}, err
		}

		attemptCtx, cancel := context.WithDeadline(ctx, time.Now().Add(timeout))
		resp, err := port.Invoke(attemptCtx, req, time.Now().Add(timeout))
		cancel()

		if err == nil && resp.Tag != agentport.TagRetryableFailure {
			cb.recordSuccess()
			if req.Idempotent && key != "" {
				d.dedup.put(key, resp)
			}
			return resp, nil
		}

		if tripped := cb.recordFailure(); tripped && d.metrics != nil {
			d.metrics.IncrementCircuitTrips(string(req.Role), instanceKey)
		}
		lastErr = classifyFailure(err, resp)

		retryable := isRetryable(err, resp)
		if !retryable || attempt == maxAttempts-1 {
			break
		}

		if d.metrics != nil {
			d.metrics.IncrementRetries(string(req.Role), lastErr.Error())
		}

		delay := computeBackoff(attempt, retry.BaseDelay, retry.MaxDelay, d.rng)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return agentport.Response{}, ctx.Err()
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return agentport.Response{}, lastErr
}

func isRetryable(err error, resp agentport.Response) bool {
	if err != nil {
		if pe, ok := err.(*agentport.Error); ok {
			return pe.Retryable
		}
		return false
	}
	return resp.Tag == agentport.TagRetryableFailure
}

func classifyFailure(err error, resp agentport.Response) error {
	if err != nil {
		if pe, ok := err.(*agentport.Error); ok {
			return taxerr.New(taxerr.KindAgentPermanentFailure, pe.Message).WithRetryable(pe.Retryable).WithFixHint(pe.FixHint)
		}
		if err == context.DeadlineExceeded {
			return taxerr.New(taxerr.KindTimeout, "agent invocation timed out").WithRetryable(true)
		}
		return taxerr.Wrap(taxerr.KindAgentPermanentFailure, "agent invocation failed", err)
	}
	return taxerr.New(taxerr.KindAgentPermanentFailure, resp.Reason).WithRetryable(true)
}
