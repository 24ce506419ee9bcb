// Package dispatch runs validated publish units concurrently and aggregates
// their outcomes in request order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/registry"
	"github.com/blacktop/xpostd/internal/xpost/validate"
	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const instrumentation = "github.com/blacktop/xpostd/dispatch"

// Config is the timeout and retry policy.
type Config struct {
	// MaxRetries is the retry ceiling for transient failures.
	MaxRetries   int
	CallTimeout  time.Duration
	BatchTimeout time.Duration
	// CancelGrace is how long in-flight units get to report after the batch
	// is cancelled before they are stamped Cancelled.
	CancelGrace time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		CallTimeout:    30 * time.Second,
		BatchTimeout:   2 * time.Minute,
		CancelGrace:    250 * time.Millisecond,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	return c
}

// Orchestrator dispatches plans. It is safe for concurrent use; the limiter
// map is built once and never written afterwards.
type Orchestrator struct {
	cfg      Config
	limiters map[xpost.Destination]*rate.Limiter
	log      *log.Logger

	tracer   trace.Tracer
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

// New builds an orchestrator with one limiter per profile that declares a rate.
func New(cfg Config, profiles []registry.Profile) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		limiters: make(map[xpost.Destination]*rate.Limiter, len(profiles)),
		log:      logutil.With("comp", "dispatch"),
		tracer:   otel.Tracer(instrumentation),
	}
	for _, p := range profiles {
		if p.RatePerSecond <= 0 {
			continue
		}
		burst := p.Burst
		if burst < 1 {
			burst = 1
		}
		o.limiters[p.ID] = rate.NewLimiter(rate.Limit(p.RatePerSecond), burst)
	}

	meter := otel.Meter(instrumentation)
	var err error
	if o.outcomes, err = meter.Int64Counter("xpostd_outcomes_total",
		metric.WithDescription("Publish outcomes by destination and status")); err != nil {
		o.log.Warn("create outcome counter", "err", err)
	}
	if o.duration, err = meter.Float64Histogram("xpostd_publish_duration_seconds",
		metric.WithDescription("Time from dispatch to terminal outcome per destination"),
		metric.WithUnit("s")); err != nil {
		o.log.Warn("create duration histogram", "err", err)
	}
	return o
}

// Config returns the effective policy.
func (o *Orchestrator) Config() Config { return o.cfg }

type slot struct {
	done chan struct{}
	out  xpost.Outcome
}

// Run dispatches every unit of plan and returns one outcome per destination of
// the plan, in plan order. It returns once all units are terminal, or after the
// batch deadline or ctx cancellation plus the grace period.
func (o *Orchestrator) Run(ctx context.Context, plan *validate.Plan) xpost.BatchResult {
	batch := xpost.BatchResult{ID: uuid.NewString(), Outcomes: make([]xpost.Outcome, len(plan.Destinations))}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.BatchTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "xpost.batch", trace.WithAttributes(
		attribute.String("batch.id", batch.ID),
		attribute.Int("batch.destinations", len(plan.Destinations)),
		attribute.Int("batch.dispatched", len(plan.Units)),
	))
	defer span.End()

	logger := o.log.With("batch", batch.ID)
	slots := make([]*slot, len(plan.Destinations))
	for i := range slots {
		slots[i] = &slot{done: make(chan struct{})}
	}
	for i, out := range plan.Rejected {
		slots[i].out = out
		close(slots[i].done)
		o.record(ctx, out, 0)
	}
	for _, u := range plan.Units {
		go func(s *slot, u validate.Unit) {
			defer close(s.done)
			s.out = o.runUnit(ctx, logger, u)
		}(slots[u.Index], u)
	}

	var grace <-chan time.Time
	expired := false
	for i, s := range slots {
		if grace == nil {
			select {
			case <-s.done:
				batch.Outcomes[i] = s.out
				continue
			case <-ctx.Done():
				timer := time.NewTimer(o.cfg.CancelGrace)
				defer timer.Stop()
				grace = timer.C
			}
		}
		if expired {
			select {
			case <-s.done:
				batch.Outcomes[i] = s.out
			default:
				batch.Outcomes[i] = cancelled(plan.Destinations[i], 0, ctx.Err())
			}
			continue
		}
		select {
		case <-s.done:
			batch.Outcomes[i] = s.out
		case <-grace:
			expired = true
			batch.Outcomes[i] = cancelled(plan.Destinations[i], 0, ctx.Err())
		}
	}

	succeeded := batch.Succeeded()
	span.SetAttributes(attribute.Int("batch.succeeded", succeeded))
	if succeeded < len(batch.Outcomes) {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d destinations failed", batch.Failed(), len(batch.Outcomes)))
	}
	logger.Info("batch finished", "succeeded", succeeded, "failed", batch.Failed())
	return batch
}

func (o *Orchestrator) runUnit(ctx context.Context, logger *log.Logger, u validate.Unit) (out xpost.Outcome) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "xpost.publish", trace.WithAttributes(
		attribute.String("destination", string(u.Destination)),
	))
	logger = logger.With("destination", u.Destination)
	defer func() {
		span.SetAttributes(
			attribute.String("outcome.status", string(out.Status)),
			attribute.Int("outcome.retry_count", out.RetryCount),
		)
		if !out.Success() {
			span.SetStatus(codes.Error, out.Error())
		}
		span.End()
		o.record(ctx, out, time.Since(start))
	}()

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     o.cfg.InitialBackoff,
		RandomizationFactor: o.cfg.Jitter,
		Multiplier:          o.cfg.Multiplier,
		MaxInterval:         o.cfg.MaxBackoff,
	}
	bo.Reset()

	attempts := 0
	for {
		if lim := o.limiters[u.Destination]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				// Wait also fails early when the next token is past the deadline
				if ctx.Err() == nil {
					err = context.DeadlineExceeded
				}
				return cancelled(u.Destination, attempts, err)
			}
		}
		attempts++
		res, err := o.call(ctx, u)
		if err == nil {
			logger.Debug("published", "post_id", res.PostID, "attempts", attempts)
			return xpost.Outcome{
				Destination: u.Destination,
				Status:      xpost.StatusSucceeded,
				PostID:      res.PostID,
				URL:         res.URL,
				Message:     fmt.Sprintf("Successfully posted to %s", u.Destination),
				RetryCount:  attempts - 1,
				Attempts:    attempts,
			}
		}
		if ctx.Err() != nil {
			return cancelled(u.Destination, attempts, ctx.Err())
		}

		kind := xpost.Classify(err)
		if kind != xpost.FailureTransient || attempts > o.cfg.MaxRetries {
			logger.Warn("publish failed", "kind", kind, "attempts", attempts, "err", err)
			return xpost.Outcome{
				Destination: u.Destination,
				Status:      xpost.StatusFor(kind),
				Message:     fmt.Sprintf("Failed to post to %s", u.Destination),
				Reason:      err.Error(),
				RetryCount:  attempts - 1,
				Attempts:    attempts,
			}
		}

		delay := bo.NextBackOff()
		if after := xpost.RetryAfter(err); after > delay {
			delay = after
		}
		delay = min(delay, o.cfg.MaxBackoff)
		logger.Debug("retrying", "attempt", attempts, "delay", delay, "err", err)
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempts), attribute.String("error", err.Error())))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return cancelled(u.Destination, attempts, ctx.Err())
		case <-timer.C:
		}
	}
}

type callResult struct {
	res xpost.PostResult
	err error
}

// call runs one Publish under the per-call timeout. The adapter runs in its own
// goroutine so one that ignores its context cannot hold the unit past the
// timeout; its late result is dropped.
func (o *Orchestrator) call(ctx context.Context, u validate.Unit) (xpost.PostResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: xpost.Permanent(fmt.Errorf("adapter panic: %v", r))}
			}
		}()
		res, err := u.Adapter.Publish(callCtx, u.Request, u.Credential)
		if err == nil && res.PostID == "" {
			err = xpost.Permanent(errors.New("adapter returned no post id"))
		}
		done <- callResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return xpost.PostResult{}, xpost.Transient(fmt.Errorf("timed out after %s: %w", o.cfg.CallTimeout, r.err))
		}
		return r.res, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return xpost.PostResult{}, ctx.Err()
		}
		return xpost.PostResult{}, xpost.Transient(fmt.Errorf("timed out after %s", o.cfg.CallTimeout))
	}
}

func (o *Orchestrator) record(ctx context.Context, out xpost.Outcome, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("destination", string(out.Destination)),
		attribute.String("status", string(out.Status)),
	)
	if o.outcomes != nil {
		o.outcomes.Add(ctx, 1, attrs)
	}
	if o.duration != nil && took > 0 {
		o.duration.Record(ctx, took.Seconds(), attrs)
	}
}

func cancelled(dest xpost.Destination, attempts int, cause error) xpost.Outcome {
	reason := "cancelled"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "batch deadline exceeded"
	}
	return xpost.Outcome{
		Destination: dest,
		Status:      xpost.StatusCancelled,
		Message:     fmt.Sprintf("Failed to post to %s", dest),
		Reason:      reason,
		RetryCount:  max(attempts-1, 0),
		Attempts:    attempts,
	}
}
