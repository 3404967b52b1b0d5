package conversation

import "errors"

var (
	// ErrSelectionRequired is returned when a new conversation arrives without experts.
	ErrSelectionRequired = errors.New("experts are required to start a conversation")
	ErrSummaryFailed     = errors.New("failed to summarize conversation")
	// ErrPersistenceFailed is returned after a write failed twice.
	ErrPersistenceFailed = errors.New("failed to persist turn")
)
