package backend

import (
	"context"
	"iter"
	"strings"
	"time"

	"ExpertChat/internal/expert"
	"ExpertChat/internal/session"

	"github.com/google/uuid"
)

// EchoStreamer replays the user message word by word under the expert's name.
// It needs no credentials and is the default provider for local runs.
type EchoStreamer struct {
	Delay time.Duration
}

func (s EchoStreamer) Open(ctx context.Context, e expert.Expert, message string, _ []session.ChatMessage) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		groupID := "echo-" + uuid.NewString()
		deltas := []string{e.Name + ":"}
		for _, word := range strings.Fields(message) {
			deltas = append(deltas, " "+word)
		}
		for _, delta := range deltas {
			if err := s.wait(ctx); err != nil {
				yield(Fragment{}, err)
				return
			}
			if !yield(Fragment{GroupID: groupID, Delta: delta}, nil) {
				return
			}
		}
		yield(Fragment{GroupID: groupID, Final: true}, nil)
	}
}

func (s EchoStreamer) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
