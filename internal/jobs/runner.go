package jobs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/event"
	"github.com/jrjohn/arcana-runtime/internal/injector"
	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithBindings adds bindings installed into the job scope of every run
func WithBindings(bindings ...any) RunnerOption {
	return func(r *Runner) {
		r.bindings = append(r.bindings, bindings...)
	}
}

// WithTracer sets the tracer used for job spans
func WithTracer(tracer trace.Tracer) RunnerOption {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// Runner executes jobs, each attempt in a fresh job container
type Runner struct {
	app      *injector.Container
	bus      *event.Bus
	logger   *zap.Logger
	tracer   trace.Tracer
	bindings []any
}

// NewRunner creates a runner whose job containers derive from app
func NewRunner(app *injector.Container, bus *event.Bus, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		app:    app,
		bus:    bus,
		logger: logger.Named("jobs"),
		tracer: noop.NewTracerProvider().Tracer("arcana-runtime/jobs"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes job until it succeeds, runs out of retries or ctx is done.
// The returned status is final; the error is the last attempt's error.
func (r *Runner) Run(ctx context.Context, job Job) (*Status, error) {
	if job.Func == nil {
		return nil, apperrors.ErrInvalidArgument.WithMessagef("job %q has no function", job.Name)
	}

	ctx, span := r.tracer.Start(ctx, "jobs.Run", trace.WithAttributes(attribute.String("job", job.Name)))
	defer span.End()

	status := newStatus(job)
	status.StartedAt = time.Now()
	logger := r.logger.With(zap.String("job", job.Name), zap.Stringer("run", status.ID))

	r.dispatch(event.JobStart, status)

	var err error
	for {
		status.Attempts++
		status.State = StateRunning
		r.publish(status)

		var result any
		result, err = r.attempt(ctx, job)
		if err == nil {
			status.Result = result
			break
		}

		logger.Warn("job attempt failed", zap.Int("attempt", status.Attempts), zap.Error(err))
		if status.Attempts > job.Retry.MaxRetries || ctx.Err() != nil {
			break
		}

		status.State = StateRetrying
		status.Err = err
		r.publish(status)

		if werr := wait(ctx, job.Retry.CalculateDelay(status.Attempts)); werr != nil {
			err = werr
			break
		}
	}

	status.FinishedAt = time.Now()
	status.Err = err
	if err != nil {
		status.State = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("job failed", zap.Int("attempts", status.Attempts), zap.Error(err))
	} else {
		status.State = StateSucceeded
		logger.Debug("job succeeded", zap.Int("attempts", status.Attempts), zap.Duration("duration", status.Duration()))
	}
	r.publish(status)

	return status.snapshot(), err
}

func (r *Runner) attempt(ctx context.Context, job Job) (result any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bindings := make([]any, 0, len(r.bindings)+len(job.Bindings)+1)
	bindings = append(bindings, func() context.Context { return ctx })
	bindings = append(bindings, r.bindings...)
	bindings = append(bindings, job.Bindings...)

	jc, err := injector.NewJobContainer(r.app, bindings...)
	if err != nil {
		return nil, fmt.Errorf("create job container: %w", err)
	}
	defer jc.Teardown()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, rec)
		}
	}()
	return jc.Call(job.Func)
}

func (r *Runner) dispatch(e event.Event, status *Status) {
	if r.bus != nil {
		r.bus.Dispatch(e, status.snapshot())
	}
}

func (r *Runner) publish(status *Status) {
	if r.bus != nil {
		r.bus.Enqueue(event.JobStatus, status.snapshot())
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
