package fanout

import (
	"strings"

	"ExpertChat/internal/expert"
)

// Group is the reassembled text of one expert reply.
type Group struct {
	ID       string
	ExpertID expert.ID
	Text     string
	Complete bool // the final fragment was seen
}

type groupState struct {
	expertID expert.ID
	text     strings.Builder
	complete bool
}

// Accumulator reassembles fragments by group id. It is not safe for concurrent use:
// the merge loop is its only writer.
type Accumulator struct {
	groups map[string]*groupState
	order  []string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{groups: make(map[string]*groupState)}
}

// Add appends a delta to its group, creating the group on first sight.
// It reports whether the group is new.
func (a *Accumulator) Add(expertID expert.ID, groupID, delta string, final bool) bool {
	g, ok := a.groups[groupID]
	if !ok {
		g = &groupState{expertID: expertID}
		a.groups[groupID] = g
		a.order = append(a.order, groupID)
	}
	g.text.WriteString(delta)
	if final {
		g.complete = true
	}
	return !ok
}

// Owner returns the expert that opened the group.
func (a *Accumulator) Owner(groupID string) (expert.ID, bool) {
	g, ok := a.groups[groupID]
	if !ok {
		return "", false
	}
	return g.expertID, true
}

// Groups returns the groups in first-seen order.
func (a *Accumulator) Groups() []Group {
	out := make([]Group, 0, len(a.order))
	for _, id := range a.order {
		g := a.groups[id]
		out = append(out, Group{
			ID:       id,
			ExpertID: g.expertID,
			Text:     g.text.String(),
			Complete: g.complete,
		})
	}
	return out
}

func (a *Accumulator) Len() int {
	return len(a.order)
}
