package fanout

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ExpertChat/internal/backend"
	"ExpertChat/internal/expert"
	"ExpertChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// script is what a fake expert stream produces
type script struct {
	fragments []backend.Fragment
	err       error
	panicMsg  string
	gate      chan struct{} // blocks the stream until closed
}

type fakeStreamer struct {
	scripts map[expert.ID]script
}

func (f *fakeStreamer) Open(ctx context.Context, e expert.Expert, _ string, _ []session.ChatMessage) iter.Seq2[backend.Fragment, error] {
	s := f.scripts[e.ID]
	return func(yield func(backend.Fragment, error) bool) {
		if s.gate != nil {
			select {
			case <-s.gate:
			case <-ctx.Done():
				yield(backend.Fragment{}, ctx.Err())
				return
			}
		}
		for _, fr := range s.fragments {
			if !yield(fr, nil) {
				return
			}
		}
		if s.panicMsg != "" {
			panic(s.panicMsg)
		}
		if s.err != nil {
			yield(backend.Fragment{}, s.err)
		}
	}
}

// recorder collects emitted events; the orchestrator calls emit from one goroutine
type recorder struct {
	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

func (r *recorder) emit(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if r.hook != nil {
		r.hook(e)
	}
	return nil
}

func (r *recorder) byGroup() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string][]string{}
	for _, e := range r.events {
		out[e.GroupID] = append(out[e.GroupID], e.Delta)
	}
	return out
}

func testRegistry(t *testing.T) *expert.Registry {
	t.Helper()
	reg, err := expert.NewRegistry([]expert.Expert{
		{ID: "1", Name: "Ada"},
		{ID: "2", Name: "Hippo"},
		{ID: "3", Name: "Warren"},
	})
	require.NoError(t, err)
	return reg
}

func newTestOrchestrator(t *testing.T, scripts map[expert.ID]script, timeout time.Duration) *Orchestrator {
	t.Helper()
	o, err := New(slog.Default(), testRegistry(t), &fakeStreamer{scripts: scripts},
		tracenoop.NewTracerProvider().Tracer("test"), metricnoop.NewMeterProvider().Meter("test"), 4, timeout)
	require.NoError(t, err)
	return o
}

func words(group string, parts ...string) []backend.Fragment {
	out := make([]backend.Fragment, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, backend.Fragment{GroupID: group, Delta: p})
	}
	return append(out, backend.Fragment{GroupID: group, Final: true})
}

func textsByGroup(groups []Group) map[string]string {
	out := map[string]string{}
	for _, g := range groups {
		out[g.ID] = g.Text
	}
	return out
}

func TestRunReassemblesEachExpertReply(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[expert.ID]script{
		"1": {fragments: words("g1", "Hello", " world")},
		"2": {fragments: words("g2", "Bon", "jour")},
		"3": {fragments: words("g3", "Hi")},
	}, 0)
	rec := &recorder{}

	selection := expert.Selection{"1", "2", "3"}
	result := o.Run(context.Background(), selection, "hi", nil, rec.emit)

	require.LessOrEqual(t, len(result.Groups), len(selection))
	require.Len(t, result.Groups, 3)
	for _, g := range result.Groups {
		assert.True(t, selection.Contains(g.ExpertID))
		assert.True(t, g.Complete)
	}
	assert.Equal(t, map[string]string{"g1": "Hello world", "g2": "Bonjour", "g3": "Hi"}, textsByGroup(result.Groups))
	assert.Empty(t, result.Failed())

	// every fragment is emitted, including the final one
	assert.Len(t, rec.events, 3+3+2)
	for _, e := range rec.events {
		assert.Equal(t, e.GroupID[1:], string(e.Expert.ID))
		assert.False(t, e.CreatedAt.IsZero())
	}
}

func TestRunKeepsOrderWithinGroup(t *testing.T) {
	t.Parallel()

	long := make([]string, 200)
	for i := range long {
		long[i] = fmt.Sprintf("%d;", i)
	}
	o := newTestOrchestrator(t, map[expert.ID]script{
		"1": {fragments: words("a", long...)},
		"2": {fragments: words("b", long...)},
		"3": {fragments: words("c", long...)},
	}, 0)
	rec := &recorder{}

	o.Run(context.Background(), expert.Selection{"1", "2", "3"}, "go", nil, rec.emit)

	want := append(append([]string{}, long...), "")
	for _, group := range []string{"a", "b", "c"} {
		assert.Equal(t, want, rec.byGroup()[group], group)
	}
	// the final event of each group is the last event of that group
	last := map[string]Event{}
	for _, e := range rec.events {
		last[e.GroupID] = e
	}
	for _, e := range last {
		assert.True(t, e.Final)
	}
}

func TestRunIsolatesFailingExpert(t *testing.T) {
	t.Parallel()

	boom := errors.New("upstream reset")
	o := newTestOrchestrator(t, map[expert.ID]script{
		"1": {err: boom},
		"2": {fragments: words("g2", "still", " here")},
	}, 0)

	result := o.Run(context.Background(), expert.Selection{"1", "2"}, "hi", nil, (&recorder{}).emit)

	require.Len(t, result.Groups, 1)
	assert.Equal(t, "still here", result.Groups[0].Text)
	require.Len(t, result.Outcomes, 2)
	assert.ErrorIs(t, result.Outcomes[0].Err, boom)
	assert.Equal(t, 0, result.Outcomes[0].Fragments)
	assert.NoError(t, result.Outcomes[1].Err)
	assert.Equal(t, 3, result.Outcomes[1].Fragments)
}

func TestRunKeepsPartialGroupOfFailedExpert(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[expert.ID]script{
		"1": {fragments: []backend.Fragment{{GroupID: "g1", Delta: "half a"}}, err: errors.New("eof")},
	}, 0)

	result := o.Run(context.Background(), expert.Selection{"1"}, "hi", nil, (&recorder{}).emit)

	require.Len(t, result.Groups, 1)
	assert.Equal(t, "half a", result.Groups[0].Text)
	assert.False(t, result.Groups[0].Complete)
	assert.Len(t, result.Failed(), 1)
}

func TestRunUnknownExpertContributesNothing(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[expert.ID]script{
		"2": {fragments: words("g2", "ok")},
	}, 0)

	result := o.Run(context.Background(), expert.Selection{"404", "2"}, "hi", nil, (&recorder{}).emit)

	require.Len(t, result.Groups, 1)
	assert.ErrorIs(t, result.Outcomes[0].Err, expert.ErrNotFound)
	assert.Equal(t, expert.ID("404"), result.Outcomes[0].ExpertID)
}

func TestRunRecoversPanickingExpert(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[expert.ID]script{
		"1": {panicMsg: "nil map"},
		"2": {fragments: words("g2", "fine")},
	}, 0)

	result := o.Run(context.Background(), expert.Selection{"1", "2"}, "hi", nil, (&recorder{}).emit)

	require.Len(t, result.Groups, 1)
	assert.ErrorIs(t, result.Outcomes[0].Err, ErrExpertPanic)
}

func TestRunAllExpertsFailing(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[expert.ID]script{
		"1": {err: errors.New("a")},
		"2": {err: errors.New("b")},
	}, 0)
	rec := &recorder{}

	result := o.Run(context.Background(), expert.Selection{"1", "2"}, "hi", nil, rec.emit)

	assert.Empty(t, result.Groups)
	assert.Len(t, result.Failed(), 2)
	assert.Empty(t, rec.events)
}

func TestRunToleratesEmptyStream(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[expert.ID]script{
		"1": {},
		"2": {fragments: words("g2", "x")},
	}, 0)

	result := o.Run(context.Background(), expert.Selection{"1", "2"}, "hi", nil, (&recorder{}).emit)

	require.Len(t, result.Groups, 1)
	assert.Empty(t, result.Failed())
}

func TestRunWaitsForSlowestExpert(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	o := newTestOrchestrator(t, map[expert.ID]script{
		"1": {fragments: words("fast", "quick")},
		"2": {fragments: words("slow", "late"), gate: gate},
	}, 0)

	fastDone := make(chan struct{})
	rec := &recorder{hook: func(e Event) {
		if e.GroupID == "fast" && e.Final {
			close(fastDone)
		}
	}}

	done := make(chan Result)
	go func() {
		done <- o.Run(context.Background(), expert.Selection{"1", "2"}, "hi", nil, rec.emit)
	}()

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		require.Fail(t, "fast expert never finished")
	}
	select {
	case <-done:
		require.Fail(t, "run returned before the slow expert finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case result := <-done:
		assert.Equal(t, map[string]string{"fast": "quick", "slow": "late"}, textsByGroup(result.Groups))
	case <-time.After(2 * time.Second):
		require.Fail(t, "run did not finish after the slow expert was released")
	}
}

func TestRunStreamTimeout(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[expert.ID]script{
		"1": {gate: make(chan struct{})},
		"2": {fragments: words("g2", "ok")},
	}, 30*time.Millisecond)

	result := o.Run(context.Background(), expert.Selection{"1", "2"}, "hi", nil, (&recorder{}).emit)

	assert.ErrorIs(t, result.Outcomes[0].Err, context.DeadlineExceeded)
	require.Len(t, result.Groups, 1)
}

func TestRunKeepsAccumulatingAfterEmitFailure(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[expert.ID]script{
		"1": {fragments: words("g1", "a", "b", "c")},
		"2": {fragments: words("g2", "d", "e")},
	}, 0)

	calls := 0
	emit := func(Event) error {
		calls++
		return errors.New("broken pipe")
	}
	result := o.Run(context.Background(), expert.Selection{"1", "2"}, "hi", nil, emit)

	assert.Equal(t, 1, calls)
	assert.Equal(t, map[string]string{"g1": "abc", "g2": "de"}, textsByGroup(result.Groups))
}

func TestRunDropsFragmentsForAnotherExpertsGroup(t *testing.T) {
	t.Parallel()

	first := make(chan struct{})
	o := newTestOrchestrator(t, map[expert.ID]script{
		"1": {fragments: words("shared", "mine")},
		"2": {fragments: words("shared", "theirs"), gate: first},
	}, 0)
	rec := &recorder{hook: func(e Event) {
		if e.Expert.ID == "1" && e.Final {
			close(first)
		}
	}}

	result := o.Run(context.Background(), expert.Selection{"1", "2"}, "hi", nil, rec.emit)

	require.Len(t, result.Groups, 1)
	assert.Equal(t, expert.ID("1"), result.Groups[0].ExpertID)
	assert.Equal(t, "mine", result.Groups[0].Text)
	assert.Equal(t, []string{"mine", ""}, rec.byGroup()["shared"])
	for _, outcome := range result.Outcomes {
		assert.NoError(t, outcome.Err)
	}
}
