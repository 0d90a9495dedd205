package ai

import (
	"context"
	"log"
	"time"

	"github.com/ocx/gateway/internal/circuitbreaker"
	"github.com/ocx/gateway/internal/events"
	"github.com/ocx/gateway/internal/monitoring"
)

// Dispatcher cascades a request through the configured tiers. The agent
// endpoint is tried first behind a circuit breaker; the REST backend is the
// terminal tier. Both failing surfaces an error for the pipeline's apology.
type Dispatcher struct {
	openclaw *OpenclawClient // nil when the agent endpoint is not configured
	rest     *MoaClient
	breaker  *circuitbreaker.CircuitBreaker
	events   events.EventEmitter
	metrics  *monitoring.Metrics
	logger   *log.Logger
}

// NewDispatcher wires the tiers. openclaw, emitter and metrics may be nil.
func NewDispatcher(openclaw *OpenclawClient, rest *MoaClient, emitter events.EventEmitter, metrics *monitoring.Metrics) *Dispatcher {
	d := &Dispatcher{
		openclaw: openclaw,
		rest:     rest,
		events:   emitter,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[AI] ", log.LstdFlags),
	}

	cfg := circuitbreaker.DefaultConfig("openclaw")
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		d.logger.Printf("⚡ Breaker %s: %s → %s", name, from, to)
		if to == circuitbreaker.StateOpen && d.events != nil {
			d.events.Emit(events.TypeCircuitOpen, "/ai/"+name, "", map[string]interface{}{
				"from": from.String(),
			})
		}
	}
	d.breaker = circuitbreaker.New(cfg)

	return d
}

// Dispatch tries each tier in order and returns the first result.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	if d.openclaw != nil {
		if result := d.tryOpenclaw(ctx, req); result != nil {
			return result, nil
		}
	}

	start := time.Now()
	result, err := d.rest.Chat(ctx, req)
	if err != nil {
		d.record(TierRest, "error", start)
		d.logger.Printf("❌ Backend dispatch failed for %s: %v", req.Channel, err)
		return nil, err
	}
	d.record(TierRest, "ok", start)
	return result, nil
}

// tryOpenclaw runs one breaker-guarded attempt; nil means fall through.
func (d *Dispatcher) tryOpenclaw(ctx context.Context, req *Request) *Result {
	start := time.Now()

	out, err := d.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return d.openclaw.Chat(ctx, req)
	})
	if err != nil {
		switch {
		case err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests:
			d.record(TierOpenclaw, "circuit_open", start)
		case ctx.Err() != nil:
			d.record(TierOpenclaw, "timeout", start)
		default:
			d.record(TierOpenclaw, "error", start)
			d.logger.Printf("⚠️ Agent endpoint failed, falling back: %v", err)
		}
		return nil
	}

	d.record(TierOpenclaw, "ok", start)
	return out.(*Result)
}

// BreakerState exposes the agent breaker state for health reporting.
func (d *Dispatcher) BreakerState() string {
	return d.breaker.State().String()
}

func (d *Dispatcher) record(tier, outcome string, start time.Time) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(tier, outcome, time.Since(start).Seconds())
	}
}
