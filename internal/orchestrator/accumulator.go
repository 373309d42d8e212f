package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"counsel/internal/gateway"
)

// toolCallAccumulator assembles complete tool calls from the
// fragment-level deltas the gateways emit. Fragments are keyed by
// index; id and name arrive on the first fragment for an index,
// argument JSON accumulates across fragments. Nothing is parsed until
// the stream is done.
type toolCallAccumulator struct {
	partials map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{partials: make(map[int]*partialCall)}
}

// add folds one fragment into the accumulator.
func (a *toolCallAccumulator) add(d gateway.ToolCallDelta) {
	p := a.partials[d.Index]
	if p == nil {
		p = &partialCall{}
		a.partials[d.Index] = p
	}
	if d.ID != "" {
		p.id = d.ID
	}
	if d.Name != "" {
		p.name = d.Name
	}
	p.args.WriteString(d.Args)
}

// count returns the number of tool calls seen so far.
func (a *toolCallAccumulator) count() int {
	return len(a.partials)
}

// finalize validates the accumulated fragments and returns complete
// tool calls in index order. Calls without an id (some gateways never
// send one) get a generated id so results can be paired. Duplicate ids
// and nameless calls are protocol violations that fail the turn.
func (a *toolCallAccumulator) finalize() ([]gateway.ToolCall, error) {
	if len(a.partials) == 0 {
		return nil, nil
	}

	indexes := make([]int, 0, len(a.partials))
	for idx := range a.partials {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	seen := make(map[string]bool, len(indexes))
	calls := make([]gateway.ToolCall, 0, len(indexes))

	for _, idx := range indexes {
		p := a.partials[idx]
		if p.name == "" {
			return nil, fmt.Errorf("tool call at index %d has no name", idx)
		}

		id := p.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate tool call id %q", id)
		}
		seen[id] = true

		args := strings.TrimSpace(p.args.String())
		if args == "" {
			args = "{}"
		}

		calls = append(calls, gateway.ToolCall{
			ID:        id,
			Name:      p.name,
			Arguments: args,
		})
	}

	return calls, nil
}
