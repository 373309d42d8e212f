// Package orchestrator runs conversation turns: it streams model
// output, assembles and executes tool calls, and persists the
// transcript at consistent checkpoints.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"counsel/internal/advisor"
	"counsel/internal/events"
	"counsel/internal/gateway"
	"counsel/internal/template"
	"counsel/internal/tools"
	"counsel/internal/transcript"
)

// State names the phases of a turn.
type State string

const (
	StateAwaitingModel      State = "awaiting_model"
	StateContentOnly        State = "content_only"
	StateToolCallsRequested State = "tool_calls_requested"
	StateExecutingTools     State = "executing_tools"
	StateFinished           State = "finished"
	StateCancelled          State = "cancelled"
	StateFailed             State = "failed"
)

// ErrTurnInProgress is returned when an advisor already has a turn in
// flight. Turns for one advisor are strictly serialized.
var ErrTurnInProgress = errors.New("turn already in progress for this advisor")

// ErrUnknownAdvisor is returned for advisor names with no definition.
var ErrUnknownAdvisor = errors.New("unknown advisor")

// EventKind classifies caller-facing turn events.
type EventKind string

const (
	// EventState reports a state transition.
	EventState EventKind = "state"
	// EventContent carries a streamed content fragment.
	EventContent EventKind = "content"
	// EventToolCall reports a tool about to execute.
	EventToolCall EventKind = "tool_call"
	// EventToolResult reports a completed tool execution.
	EventToolResult EventKind = "tool_result"
	// EventToolOutput carries a streaming tool's output, which goes
	// to the caller instead of the transcript.
	EventToolOutput EventKind = "tool_output"
	// EventDone carries the final turn result.
	EventDone EventKind = "done"
)

// Event is one caller-facing notification during a turn.
type Event struct {
	Kind    EventKind   `json:"kind"`
	State   State       `json:"state,omitempty"`
	Advisor string      `json:"advisor,omitempty"`
	Content string      `json:"content,omitempty"`
	Tool    string      `json:"tool,omitempty"`
	CallID  string      `json:"call_id,omitempty"`
	IsError bool        `json:"is_error,omitempty"`
	Result  *TurnResult `json:"result,omitempty"`
}

// Sink receives turn events. It is called from the turn goroutine and
// must not block for long.
type Sink func(Event)

// TurnResult summarizes a finished turn.
type TurnResult struct {
	State        State  `json:"state"`
	Content      string `json:"content"`
	Advisor      string `json:"advisor"`
	Rounds       int    `json:"rounds"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Error        string `json:"error,omitempty"`
}

// Options configures an Engine.
type Options struct {
	Gateways      map[string]gateway.Client
	Registry      *tools.Registry
	Advisors      *advisor.Loader
	Resolver      *template.Resolver
	Store         *transcript.Store
	Bus           *events.Bus
	Logger        *slog.Logger
	MaxRoundTrips int
	ToolTimeout   time.Duration
}

// Engine orchestrates turns across advisors.
type Engine struct {
	gateways      map[string]gateway.Client
	registry      *tools.Registry
	advisors      *advisor.Loader
	resolver      *template.Resolver
	store         *transcript.Store
	bus           *events.Bus
	logger        *slog.Logger
	maxRoundTrips int
	toolTimeout   time.Duration

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates an Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRoundTrips := opts.MaxRoundTrips
	if maxRoundTrips <= 0 {
		maxRoundTrips = 8
	}
	toolTimeout := opts.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = 60 * time.Second
	}
	return &Engine{
		gateways:      opts.Gateways,
		registry:      opts.Registry,
		advisors:      opts.Advisors,
		resolver:      opts.Resolver,
		store:         opts.Store,
		bus:           opts.Bus,
		logger:        logger,
		maxRoundTrips: maxRoundTrips,
		toolTimeout:   toolTimeout,
		inFlight:      make(map[string]bool),
	}
}

// acquire claims the advisor's turn slot.
func (e *Engine) acquire(advisorName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[advisorName] {
		return ErrTurnInProgress
	}
	e.inFlight[advisorName] = true
	return nil
}

func (e *Engine) release(advisorName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, advisorName)
}

// Submit runs one turn for the named advisor. The user message and
// everything the turn produces are persisted together at consistent
// checkpoints: a reloaded transcript never contains a tool call
// without its result. Cancellation via ctx takes effect between model
// rounds; the transcript keeps only complete rounds.
func (e *Engine) Submit(ctx context.Context, advisorName, userText string, sink Sink) (*TurnResult, error) {
	adv := e.lookupAdvisor(advisorName)
	if adv == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdvisor, advisorName)
	}

	if err := e.acquire(adv.Name); err != nil {
		return nil, err
	}
	defer e.release(adv.Name)

	tr, err := e.store.LoadCurrent(adv.Name)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	t := &turn{
		engine:  e,
		sink:    sink,
		origin:  adv,
		current: adv,
		tr:      tr,
		started: time.Now(),
	}
	return t.run(ctx, userText)
}

func (e *Engine) lookupAdvisor(name string) *advisor.Advisor {
	if name == "" {
		return e.advisors.Default()
	}
	return e.advisors.Get(name)
}

// turn holds the state of one Submit call.
type turn struct {
	engine  *Engine
	sink    Sink
	origin  *advisor.Advisor // owns the transcript and the turn slot
	current *advisor.Advisor // may change via hand_off
	stack   []*advisor.Advisor
	tr      *transcript.Transcript
	pending []gateway.Message
	started time.Time

	rounds       int
	inputTokens  int
	outputTokens int
	lastContent  string
}

func (t *turn) emit(ev Event) {
	if t.sink == nil {
		return
	}
	ev.Advisor = t.current.Name
	t.sink(ev)
}

func (t *turn) setState(s State) {
	t.emit(Event{Kind: EventState, State: s})
}

func (t *turn) run(ctx context.Context, userText string) (*TurnResult, error) {
	e := t.engine
	e.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"advisor": t.origin.Name, "transcript_id": t.tr.ID},
	})

	t.pending = []gateway.Message{{Role: "user", Content: userText, Timestamp: time.Now().UTC()}}

	for t.rounds < e.maxRoundTrips {
		if ctx.Err() != nil {
			return t.finish(StateCancelled, nil)
		}

		t.setState(StateAwaitingModel)
		content, calls, err := t.modelRound(ctx, true)
		if err != nil {
			if ctx.Err() != nil {
				return t.finish(StateCancelled, nil)
			}
			return t.finish(StateFailed, err)
		}

		if len(calls) == 0 {
			t.setState(StateContentOnly)
			t.lastContent = content
			t.pending = append(t.pending, gateway.Message{
				Role: "assistant", Content: content, Timestamp: time.Now().UTC(),
			})
			return t.finish(StateFinished, nil)
		}

		t.setState(StateToolCallsRequested)
		t.setState(StateExecutingTools)

		results := t.executeTools(ctx, calls)

		// Assistant tool request and its results enter the buffer
		// together, then hit disk together.
		t.pending = append(t.pending, gateway.Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: calls,
			Timestamp: time.Now().UTC(),
		})
		t.pending = append(t.pending, results...)
		if err := t.flush(); err != nil {
			return t.finish(StateFailed, err)
		}

		if ctx.Err() != nil {
			return t.finish(StateCancelled, nil)
		}
	}

	// Round cap reached: one last call with no tools forces text.
	e.logger.Warn("turn round cap reached, forcing text response",
		"advisor", t.origin.Name, "rounds", t.rounds)

	t.setState(StateAwaitingModel)
	content, _, err := t.modelRound(ctx, false)
	if err != nil {
		if ctx.Err() != nil {
			return t.finish(StateCancelled, nil)
		}
		return t.finish(StateFailed, err)
	}
	t.lastContent = content
	t.pending = append(t.pending, gateway.Message{
		Role: "assistant", Content: content, Timestamp: time.Now().UTC(),
	})
	return t.finish(StateFinished, nil)
}

// modelRound makes one gateway call and returns the streamed content
// and any complete tool calls.
func (t *turn) modelRound(ctx context.Context, allowTools bool) (string, []gateway.ToolCall, error) {
	e := t.engine
	adv := t.current

	client := e.gateways[adv.Gateway]
	if client == nil {
		return "", nil, fmt.Errorf("gateway %q not configured", adv.Gateway)
	}

	var toolSchemas []map[string]any
	if allowTools && len(adv.Tools) > 0 {
		toolSchemas = e.registry.ListFor(adv.Tools)
	}

	messages := make([]gateway.Message, 0, len(t.tr.Messages)+len(t.pending)+1)
	if prompt := adv.SystemPrompt(); prompt != "" {
		messages = append(messages, gateway.Message{
			Role:    "system",
			Content: e.resolver.Resolve(prompt),
		})
	}
	messages = append(messages, t.tr.Messages...)
	messages = append(messages, t.pending...)

	req := gateway.Request{
		Model:            adv.Model,
		Messages:         messages,
		Tools:            toolSchemas,
		Temperature:      adv.Temperature,
		TopP:             adv.TopP,
		FrequencyPenalty: adv.FrequencyPenalty,
		PresencePenalty:  adv.PresencePenalty,
		MaxTokens:        adv.MaxTokens,
		Stream:           adv.Streaming(),
	}

	t.rounds++
	e.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindModelCall,
		Data:   map[string]any{"advisor": adv.Name, "round": t.rounds, "model": adv.Model},
	})

	var content strings.Builder
	acc := newToolCallAccumulator()

	resp, err := client.Stream(ctx, req, func(ev gateway.Event) {
		switch ev.Kind {
		case gateway.KindContentDelta:
			content.WriteString(ev.Content)
			t.emit(Event{Kind: EventContent, Content: ev.Content})
		case gateway.KindToolCallDelta:
			acc.add(ev.ToolCall)
		}
	})
	if err != nil {
		return "", nil, fmt.Errorf("gateway stream: %w", err)
	}

	t.inputTokens += resp.InputTokens
	t.outputTokens += resp.OutputTokens
	e.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindModelResponse,
		Data: map[string]any{
			"advisor": adv.Name, "round": t.rounds, "model": resp.Model,
			"tokens_in": resp.InputTokens, "tokens_out": resp.OutputTokens,
			"tool_calls": acc.count(),
		},
	})

	calls, err := acc.finalize()
	if err != nil {
		return "", nil, fmt.Errorf("invalid tool call stream: %w", err)
	}
	return content.String(), calls, nil
}

// executeTools runs the round's tool calls and returns one tool
// message per call, in call order. Tool failures are reported to the
// model as error results, never as turn failures. Routing tools are
// intercepted here.
func (t *turn) executeTools(ctx context.Context, calls []gateway.ToolCall) []gateway.Message {
	results := make([]gateway.Message, len(calls))

	var g errgroup.Group
	g.SetLimit(4)

	for i, call := range calls {
		t.emit(Event{Kind: EventToolCall, Tool: call.Name, CallID: call.ID})

		if call.Name == tools.HandOffName || call.Name == tools.HandBackName {
			// Routing changes shared turn state; run inline.
			results[i] = t.routeCall(call)
			continue
		}

		g.Go(func() error {
			results[i] = t.runTool(ctx, call)
			return nil
		})
	}
	g.Wait()

	for i := range results {
		t.emit(Event{
			Kind:    EventToolResult,
			Tool:    calls[i].Name,
			CallID:  calls[i].ID,
			Content: results[i].Content,
			IsError: toolResultIsError(results[i].Content),
		})
	}
	return results
}

func toolResultIsError(content string) bool {
	return strings.HasPrefix(content, "Error: ")
}

// runTool executes one non-routing tool call with the configured
// timeout.
func (t *turn) runTool(ctx context.Context, call gateway.ToolCall) gateway.Message {
	e := t.engine
	start := time.Now()

	e.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"advisor": t.current.Name, "tool": call.Name},
	})

	toolCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()
	if client := e.gateways[t.current.Gateway]; client != nil {
		toolCtx = tools.WithGateway(toolCtx, client)
	}

	result, err := e.registry.Execute(toolCtx, call.Name, call.Arguments)
	ok := err == nil
	if err != nil {
		result = "Error: " + err.Error()
		e.logger.Error("tool execution failed",
			"advisor", t.current.Name, "tool", call.Name, "error", err)
	} else {
		e.logger.Debug("tool executed",
			"advisor", t.current.Name, "tool", call.Name,
			"result_len", len(result),
			"elapsed", time.Since(start).Round(time.Millisecond))
	}

	e.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindToolDone,
		Data: map[string]any{
			"advisor": t.current.Name, "tool": call.Name, "ok": ok,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})

	// Streaming tools deliver their output to the caller; the
	// transcript records that it happened, not the payload.
	if tool := e.registry.Get(call.Name); tool != nil && tool.Streaming && ok {
		t.emit(Event{Kind: EventToolOutput, Tool: call.Name, CallID: call.ID, Content: result})
		result = fmt.Sprintf("[%d bytes of %s output delivered directly to the user]", len(result), call.Name)
	}

	return gateway.Message{
		Role:       "tool",
		Content:    result,
		ToolCallID: call.ID,
		Timestamp:  time.Now().UTC(),
	}
}

// routeCall handles hand_off and hand_back, switching the advisor the
// next round speaks as.
func (t *turn) routeCall(call gateway.ToolCall) gateway.Message {
	e := t.engine
	content := ""

	switch call.Name {
	case tools.HandOffName:
		target := argString(call.Arguments, "advisor")
		next := e.advisors.Get(target)
		switch {
		case target == "":
			content = "Error: hand_off requires an advisor name"
		case next == nil:
			content = fmt.Sprintf("Error: advisor %q not found", target)
		case next.Name == t.current.Name:
			content = fmt.Sprintf("Error: already speaking as %q", target)
		default:
			e.bus.Publish(events.Event{
				Source: events.SourceTurn,
				Kind:   events.KindHandOff,
				Data:   map[string]any{"from": t.current.Name, "to": next.Name},
			})
			e.logger.Info("conversation handed off",
				"from", t.current.Name, "to", next.Name)
			t.stack = append(t.stack, t.current)
			t.current = next
			content = fmt.Sprintf("Conversation handed to advisor %q.", next.Name)
			if msg := argString(call.Arguments, "message"); msg != "" {
				content += " Context: " + msg
			}
		}

	case tools.HandBackName:
		if len(t.stack) == 0 {
			content = "Error: no prior advisor to hand back to"
			break
		}
		prev := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		e.bus.Publish(events.Event{
			Source: events.SourceTurn,
			Kind:   events.KindHandOff,
			Data:   map[string]any{"from": t.current.Name, "to": prev.Name},
		})
		e.logger.Info("conversation handed back",
			"from", t.current.Name, "to", prev.Name)
		t.current = prev
		content = fmt.Sprintf("Conversation returned to advisor %q.", prev.Name)
		if msg := argString(call.Arguments, "message"); msg != "" {
			content += " Summary: " + msg
		}
	}

	return gateway.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: call.ID,
		Timestamp:  time.Now().UTC(),
	}
}

// argString pulls one string field out of raw JSON arguments.
func argString(rawJSON, key string) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(rawJSON), &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// flush persists the pending buffer. The buffer only ever contains
// complete rounds, so what hits disk is always replayable.
func (t *turn) flush() error {
	if len(t.pending) == 0 {
		return nil
	}
	if err := t.engine.store.Append(t.tr, t.pending...); err != nil {
		return fmt.Errorf("persist transcript: %w", err)
	}
	t.pending = nil
	return nil
}

// finish flushes whatever consistent state remains, publishes the
// outcome, and builds the result. A Failed turn returns both a result
// and the error.
func (t *turn) finish(state State, cause error) (*TurnResult, error) {
	e := t.engine

	if flushErr := t.flush(); flushErr != nil {
		e.logger.Error("final transcript flush failed",
			"advisor", t.origin.Name, "error", flushErr)
		if cause == nil {
			state = StateFailed
			cause = flushErr
		}
	}

	result := &TurnResult{
		State:        state,
		Content:      t.lastContent,
		Advisor:      t.current.Name,
		Rounds:       t.rounds,
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
	}
	if cause != nil {
		result.Error = cause.Error()
	}

	e.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindTurnComplete,
		Data: map[string]any{
			"advisor": t.origin.Name, "state": string(state),
			"rounds": t.rounds, "tokens_in": t.inputTokens,
			"tokens_out": t.outputTokens,
			"elapsed_ms": time.Since(t.started).Milliseconds(),
		},
	})

	t.setState(state)
	t.emit(Event{Kind: EventDone, Result: result})

	e.logger.Info("turn complete",
		"advisor", t.origin.Name, "state", state,
		"rounds", t.rounds,
		"elapsed", time.Since(t.started).Round(time.Millisecond))

	return result, cause
}
