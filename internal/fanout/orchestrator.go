// Package fanout runs one streaming reply per selected expert concurrently, merges their
// fragments onto a single event stream and reassembles each reply by group id.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ExpertChat/internal/backend"
	"ExpertChat/internal/expert"
	"ExpertChat/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var ErrExpertPanic = errors.New("expert stream panic")

// Event is emitted once per fragment, in arrival order.
type Event struct {
	GroupID   string
	Delta     string
	Expert    expert.Expert
	CreatedAt time.Time
	Final     bool
}

// EmitFunc delivers an event to the client. It is only ever called from the merge loop.
type EmitFunc func(Event) error

// Outcome is how one expert's stream ended.
type Outcome struct {
	ExpertID  expert.ID
	Fragments int
	Err       error
}

// Result of one run. Groups are in first-seen order, Outcomes in selection order.
type Result struct {
	Groups   []Group
	Outcomes []Outcome
}

// Failed returns the outcomes that ended with an error.
func (r Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

type tagged struct {
	expert   expert.Expert
	fragment backend.Fragment
}

type Orchestrator struct {
	logger        *slog.Logger
	registry      *expert.Registry
	streamer      backend.Streamer
	tracer        trace.Tracer
	bufferSize    int
	streamTimeout time.Duration
	now           func() time.Time

	fragmentCounter metric.Int64Counter
	failureCounter  metric.Int64Counter
	runDuration     metric.Float64Histogram
}

// New creates an orchestrator. A zero streamTimeout leaves each stream bounded only by ctx.
func New(logger *slog.Logger, registry *expert.Registry, streamer backend.Streamer,
	tracer trace.Tracer, meter metric.Meter, bufferSize int, streamTimeout time.Duration) (*Orchestrator, error) {
	fragmentCounter, err := meter.Int64Counter("fanout.fragments",
		metric.WithDescription("Fragments merged onto the outbound stream"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	failureCounter, err := meter.Int64Counter("fanout.expert.failures",
		metric.WithDescription("Expert streams that ended with an error"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	runDuration, err := meter.Float64Histogram("fanout.run.duration",
		metric.WithDescription("Fan-out run duration in milliseconds"))
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	return &Orchestrator{
		logger:          logger,
		registry:        registry,
		streamer:        streamer,
		tracer:          tracer,
		bufferSize:      bufferSize,
		streamTimeout:   streamTimeout,
		now:             time.Now,
		fragmentCounter: fragmentCounter,
		failureCounter:  failureCounter,
		runDuration:     runDuration,
	}, nil
}

// Run streams every selected expert concurrently and returns once all of them are drained.
//
// Producers only send into one channel; this goroutine is the single writer of the
// accumulator and the only caller of emit. An expert that fails ends only its own
// contribution and never cancels its siblings.
func (o *Orchestrator) Run(ctx context.Context, selection expert.Selection, message string,
	history []session.ChatMessage, emit EmitFunc) Result {
	ctx, span := o.tracer.Start(ctx, "fanout.run", trace.WithAttributes(
		attribute.Int("fanout.experts", len(selection)),
	))
	defer span.End()
	start := o.now()

	fragments := make(chan tagged, o.bufferSize)
	outcomes := make([]Outcome, len(selection))

	var wg sync.WaitGroup
	for i, id := range selection {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = o.drain(ctx, id, message, history, fragments)
		}()
	}
	go func() {
		wg.Wait()
		close(fragments)
	}()

	acc := NewAccumulator()
	emitting := true
	for t := range fragments {
		f := t.fragment
		if owner, ok := acc.Owner(f.GroupID); ok && owner != t.expert.ID {
			o.logger.Warn("group id reused across experts, dropping fragment", "group", f.GroupID, "owner", owner, "expert", t.expert.ID)
			continue
		}
		if acc.Add(t.expert.ID, f.GroupID, f.Delta, f.Final) {
			o.logger.Debug("new reply group", "expert", t.expert.ID, "group", f.GroupID)
		}
		o.fragmentCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("expert.id", string(t.expert.ID))))

		if !emitting {
			continue
		}
		err := emit(Event{
			GroupID:   f.GroupID,
			Delta:     f.Delta,
			Expert:    t.expert,
			CreatedAt: o.now().UTC(),
			Final:     f.Final,
		})
		if err != nil {
			// keep draining so every reply is still accumulated
			emitting = false
			o.logger.Warn("failed to emit event, muting run", "group", f.GroupID, "error", err)
		}
	}

	result := Result{Groups: acc.Groups(), Outcomes: outcomes}
	failed := len(result.Failed())
	span.SetAttributes(attribute.Int("fanout.groups", len(result.Groups)), attribute.Int("fanout.failed", failed))
	if failed == len(selection) && failed > 0 {
		span.SetStatus(codes.Error, "all experts failed")
	}
	o.runDuration.Record(ctx, float64(o.now().Sub(start).Milliseconds()))
	o.logger.Info("fan-out finished",
		"experts", len(selection),
		"groups", len(result.Groups),
		"failed", failed,
		"duration", o.now().Sub(start))
	return result
}

// drain runs one expert's stream to completion and forwards its fragments.
func (o *Orchestrator) drain(ctx context.Context, id expert.ID, message string,
	history []session.ChatMessage, out chan<- tagged) (outcome Outcome) {
	outcome.ExpertID = id

	ctx, span := o.tracer.Start(ctx, "fanout.expert", trace.WithAttributes(attribute.String("expert.id", string(id))))
	defer func() {
		if r := recover(); r != nil {
			outcome.Err = fmt.Errorf("%w: %v", ErrExpertPanic, r)
		}
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, "expert stream failed")
			o.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("expert.id", string(id))))
			o.logger.Error("expert stream failed", "expert", id, "fragments", outcome.Fragments, "error", outcome.Err)
		}
		span.SetAttributes(attribute.Int("fanout.fragments", outcome.Fragments))
		span.End()
	}()

	e, err := o.registry.Lookup(id)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	if o.streamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.streamTimeout)
		defer cancel()
	}

	for f, err := range o.streamer.Open(ctx, e, message, history) {
		if err != nil {
			outcome.Err = err
			return outcome
		}
		out <- tagged{expert: e, fragment: f}
		outcome.Fragments++
	}
	return outcome
}
