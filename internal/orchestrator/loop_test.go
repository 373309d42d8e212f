package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"counsel/internal/advisor"
	"counsel/internal/gateway"
	"counsel/internal/template"
	"counsel/internal/tools"
	"counsel/internal/transcript"
)

// scripted is one canned gateway response.
type scripted struct {
	events []gateway.Event
	resp   gateway.Response
	err    error
}

// fakeGateway replays scripted responses and records requests.
type fakeGateway struct {
	mu      sync.Mutex
	script  []scripted
	request []gateway.Request
}

func (f *fakeGateway) Stream(ctx context.Context, req gateway.Request, handler gateway.Handler) (*gateway.Response, error) {
	f.mu.Lock()
	f.request = append(f.request, req)
	if len(f.script) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("fake gateway: script exhausted")
	}
	s := f.script[0]
	f.script = f.script[1:]
	f.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	for _, ev := range s.events {
		handler(ev)
	}
	return &s.resp, nil
}

func (f *fakeGateway) requests() []gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Request(nil), f.request...)
}

func contentEvents(text string) []gateway.Event {
	return []gateway.Event{
		{Kind: gateway.KindContentDelta, Content: text},
		{Kind: gateway.KindDone, FinishReason: gateway.FinishStop},
	}
}

// toolCallEvents emits one tool call split across three fragments.
func toolCallEvents(index int, id, name, args string) []gateway.Event {
	half := len(args) / 2
	return []gateway.Event{
		{Kind: gateway.KindToolCallDelta, ToolCall: gateway.ToolCallDelta{Index: index, ID: id, Name: name}},
		{Kind: gateway.KindToolCallDelta, ToolCall: gateway.ToolCallDelta{Index: index, Args: args[:half]}},
		{Kind: gateway.KindToolCallDelta, ToolCall: gateway.ToolCallDelta{Index: index, Args: args[half:]}},
	}
}

func doneToolCalls() gateway.Event {
	return gateway.Event{Kind: gateway.KindDone, FinishReason: gateway.FinishToolCalls}
}

// writeAdvisor creates an advisor definition file.
func writeAdvisor(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const sageAdvisor = `---
model: test-model
gateway: main
tools: [get_weather, fetch_page, hand_off, hand_back]
---
You are a helpful advisor.
`

type testEnv struct {
	engine   *Engine
	gw       *fakeGateway
	store    *transcript.Store
	registry *tools.Registry
}

func newTestEnv(t *testing.T, gw *fakeGateway) *testEnv {
	t.Helper()

	advisorDir := t.TempDir()
	writeAdvisor(t, advisorDir, "sage", sageAdvisor)
	loader := advisor.NewLoader(advisorDir)
	if errs := loader.Reload(); len(errs) > 0 {
		t.Fatalf("Reload: %v", errs)
	}

	store, err := transcript.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Name: "get_weather",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			city, _ := args["city"].(string)
			if city == "" {
				return "", fmt.Errorf("city is required")
			}
			return "12C and raining in " + city, nil
		},
	})
	tools.RegisterHandoff(registry)

	engine := New(Options{
		Gateways:      map[string]gateway.Client{"main": gw},
		Registry:      registry,
		Advisors:      loader,
		Resolver:      template.NewResolver(nil),
		Store:         store,
		MaxRoundTrips: 4,
		ToolTimeout:   5 * time.Second,
	})
	return &testEnv{engine: engine, gw: gw, store: store, registry: registry}
}

func TestTurnWithToolRound(t *testing.T) {
	gw := &fakeGateway{script: []scripted{
		{
			events: append(
				append([]gateway.Event{{Kind: gateway.KindContentDelta, Content: "Let me check."}},
					toolCallEvents(0, "call_1", "get_weather", `{"city":"Boston"}`)...),
				doneToolCalls()),
			resp: gateway.Response{FinishReason: gateway.FinishToolCalls, InputTokens: 10, OutputTokens: 5},
		},
		{
			events: contentEvents("It is 12C and raining in Boston."),
			resp:   gateway.Response{FinishReason: gateway.FinishStop, InputTokens: 20, OutputTokens: 8},
		},
	}}
	env := newTestEnv(t, gw)

	var streamed strings.Builder
	result, err := env.engine.Submit(context.Background(), "sage", "What's the weather in Boston?", func(ev Event) {
		if ev.Kind == EventContent {
			streamed.WriteString(ev.Content)
		}
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if result.State != StateFinished {
		t.Errorf("state = %s", result.State)
	}
	if result.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", result.Rounds)
	}
	if result.Content != "It is 12C and raining in Boston." {
		t.Errorf("content = %q", result.Content)
	}
	if result.InputTokens != 30 || result.OutputTokens != 13 {
		t.Errorf("tokens = %d/%d", result.InputTokens, result.OutputTokens)
	}
	if !strings.Contains(streamed.String(), "Let me check.") {
		t.Errorf("streamed = %q", streamed.String())
	}

	// The persisted transcript holds the full round structure.
	tr, err := env.store.LoadCurrent("sage")
	if err != nil {
		t.Fatal(err)
	}
	roles := make([]string, 0, len(tr.Messages))
	for _, m := range tr.Messages {
		roles = append(roles, m.Role)
	}
	want := []string{"user", "assistant", "tool", "assistant"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if tr.Messages[1].ToolCalls[0].Arguments != `{"city":"Boston"}` {
		t.Errorf("assembled args = %q", tr.Messages[1].ToolCalls[0].Arguments)
	}
	if tr.Messages[2].ToolCallID != "call_1" {
		t.Errorf("tool result pairing = %+v", tr.Messages[2])
	}
	if !strings.Contains(tr.Messages[2].Content, "raining in Boston") {
		t.Errorf("tool result = %q", tr.Messages[2].Content)
	}

	// The second request carried the tool round back to the model.
	reqs := gw.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != "tool" {
		t.Errorf("final request message role = %q", last.Role)
	}
}

func TestContentOnlyTurn(t *testing.T) {
	gw := &fakeGateway{script: []scripted{
		{events: contentEvents("Hello there."), resp: gateway.Response{FinishReason: gateway.FinishStop}},
	}}
	env := newTestEnv(t, gw)

	result, err := env.engine.Submit(context.Background(), "sage", "hi", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.State != StateFinished || result.Rounds != 1 {
		t.Errorf("result = %+v", result)
	}

	tr, _ := env.store.LoadCurrent("sage")
	if len(tr.Messages) != 2 {
		t.Fatalf("messages = %d", len(tr.Messages))
	}
}

func TestToolFailureIsNotFatal(t *testing.T) {
	gw := &fakeGateway{script: []scripted{
		{
			events: append(toolCallEvents(0, "call_1", "get_weather", `{}`), doneToolCalls()),
			resp:   gateway.Response{FinishReason: gateway.FinishToolCalls},
		},
		{events: contentEvents("I could not check the weather."), resp: gateway.Response{}},
	}}
	env := newTestEnv(t, gw)

	result, err := env.engine.Submit(context.Background(), "sage", "weather?", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.State != StateFinished {
		t.Errorf("state = %s", result.State)
	}

	tr, _ := env.store.LoadCurrent("sage")
	if !strings.HasPrefix(tr.Messages[2].Content, "Error: ") {
		t.Errorf("tool result = %q", tr.Messages[2].Content)
	}
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	gw := &fakeGateway{script: []scripted{
		{
			events: append(toolCallEvents(0, "call_1", "launch_rockets", `{}`), doneToolCalls()),
			resp:   gateway.Response{FinishReason: gateway.FinishToolCalls},
		},
		{events: contentEvents("That tool does not exist."), resp: gateway.Response{}},
	}}
	env := newTestEnv(t, gw)

	result, err := env.engine.Submit(context.Background(), "sage", "do it", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.State != StateFinished {
		t.Errorf("state = %s", result.State)
	}
	tr, _ := env.store.LoadCurrent("sage")
	if !strings.Contains(tr.Messages[2].Content, "unknown tool") {
		t.Errorf("tool result = %q", tr.Messages[2].Content)
	}
}

func TestRoundCapForcesTextResponse(t *testing.T) {
	toolRound := scripted{
		events: append(toolCallEvents(0, "", "get_weather", `{"city":"Boston"}`), doneToolCalls()),
		resp:   gateway.Response{FinishReason: gateway.FinishToolCalls},
	}
	gw := &fakeGateway{script: []scripted{
		toolRound, toolRound, toolRound, toolRound,
		{events: contentEvents("I checked repeatedly; it rains."), resp: gateway.Response{}},
	}}
	env := newTestEnv(t, gw)

	result, err := env.engine.Submit(context.Background(), "sage", "weather?", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.State != StateFinished {
		t.Errorf("state = %s", result.State)
	}
	if result.Rounds != 5 {
		t.Errorf("rounds = %d, want 5", result.Rounds)
	}

	// The forced final call must not offer tools.
	reqs := gw.requests()
	if last := reqs[len(reqs)-1]; len(last.Tools) != 0 {
		t.Errorf("final request offered %d tools", len(last.Tools))
	}
}

func TestDuplicateToolCallIDsFailTheTurn(t *testing.T) {
	gw := &fakeGateway{script: []scripted{
		{
			events: []gateway.Event{
				{Kind: gateway.KindToolCallDelta, ToolCall: gateway.ToolCallDelta{Index: 0, ID: "dup", Name: "get_weather", Args: "{}"}},
				{Kind: gateway.KindToolCallDelta, ToolCall: gateway.ToolCallDelta{Index: 1, ID: "dup", Name: "get_weather", Args: "{}"}},
				doneToolCalls(),
			},
			resp: gateway.Response{FinishReason: gateway.FinishToolCalls},
		},
	}}
	env := newTestEnv(t, gw)

	result, err := env.engine.Submit(context.Background(), "sage", "weather?", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if result.State != StateFailed {
		t.Errorf("state = %s", result.State)
	}
	if !strings.Contains(err.Error(), "duplicate tool call id") {
		t.Errorf("err = %v", err)
	}

	// Only the user message reached disk.
	tr, _ := env.store.LoadCurrent("sage")
	if len(tr.Messages) != 1 || tr.Messages[0].Role != "user" {
		t.Errorf("persisted = %+v", tr.Messages)
	}
}

func TestGatewayErrorFailsTurn(t *testing.T) {
	gw := &fakeGateway{script: []scripted{
		{err: errors.New("connection refused")},
	}}
	env := newTestEnv(t, gw)

	result, err := env.engine.Submit(context.Background(), "sage", "hi", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if result.State != StateFailed {
		t.Errorf("state = %s", result.State)
	}
}

func TestCancellationBetweenRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	gw := &fakeGateway{script: []scripted{
		{
			events: append(toolCallEvents(0, "call_1", "get_weather", `{"city":"Boston"}`), doneToolCalls()),
			resp:   gateway.Response{FinishReason: gateway.FinishToolCalls},
		},
		// Never reached: the turn is cancelled before round two.
		{events: contentEvents("unreachable"), resp: gateway.Response{}},
	}}
	env := newTestEnv(t, gw)

	// Cancel as soon as the first tool result lands.
	result, err := env.engine.Submit(ctx, "sage", "weather?", func(ev Event) {
		if ev.Kind == EventToolResult {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.State != StateCancelled {
		t.Errorf("state = %s", result.State)
	}

	// The completed round is on disk; nothing dangling.
	tr, _ := env.store.LoadCurrent("sage")
	if len(tr.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(tr.Messages))
	}
	if tr.Messages[2].Role != "tool" {
		t.Errorf("last persisted role = %q", tr.Messages[2].Role)
	}
}

func TestSerializedTurnsPerAdvisor(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	gw := &fakeGateway{script: []scripted{
		{events: contentEvents("slow reply"), resp: gateway.Response{}},
		{events: contentEvents("second reply"), resp: gateway.Response{}},
	}}
	env := newTestEnv(t, gw)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		env.engine.Submit(context.Background(), "sage", "first", func(ev Event) {
			if ev.Kind == EventState && ev.State == StateAwaitingModel {
				close(started)
				<-release
			}
		})
	}()

	<-started
	_, err := env.engine.Submit(context.Background(), "sage", "second", nil)
	if !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("err = %v, want ErrTurnInProgress", err)
	}
	close(release)
	wg.Wait()

	// The slot is free again after the first turn completes.
	if _, err := env.engine.Submit(context.Background(), "sage", "third", nil); err != nil {
		t.Errorf("Submit after release: %v", err)
	}
}

func TestUnknownAdvisor(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{})
	_, err := env.engine.Submit(context.Background(), "nobody", "hi", nil)
	if !errors.Is(err, ErrUnknownAdvisor) {
		t.Errorf("err = %v", err)
	}
}

func TestStreamingToolOutputBypassesTranscript(t *testing.T) {
	gw := &fakeGateway{script: []scripted{
		{
			events: append(toolCallEvents(0, "call_1", "fetch_page", `{"url":"https://x.example"}`), doneToolCalls()),
			resp:   gateway.Response{FinishReason: gateway.FinishToolCalls},
		},
		{events: contentEvents("Fetched it for you."), resp: gateway.Response{}},
	}}
	env := newTestEnv(t, gw)
	env.registry.Register(&tools.Tool{
		Name:      "fetch_page",
		Streaming: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "the full page body", nil
		},
	})

	var direct string
	result, err := env.engine.Submit(context.Background(), "sage", "fetch it", func(ev Event) {
		if ev.Kind == EventToolOutput {
			direct = ev.Content
		}
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.State != StateFinished {
		t.Errorf("state = %s", result.State)
	}
	if direct != "the full page body" {
		t.Errorf("direct output = %q", direct)
	}

	tr, _ := env.store.LoadCurrent("sage")
	if strings.Contains(tr.Messages[2].Content, "full page body") {
		t.Errorf("payload leaked into transcript: %q", tr.Messages[2].Content)
	}
	if !strings.Contains(tr.Messages[2].Content, "delivered directly") {
		t.Errorf("placeholder missing: %q", tr.Messages[2].Content)
	}
}

func TestHandOffSwitchesAdvisor(t *testing.T) {
	gw := &fakeGateway{script: []scripted{
		{
			events: append(toolCallEvents(0, "call_1", "hand_off", `{"advisor":"scribe","message":"needs summarizing"}`), doneToolCalls()),
			resp:   gateway.Response{FinishReason: gateway.FinishToolCalls},
		},
		{events: contentEvents("Summary from the scribe."), resp: gateway.Response{}},
	}}
	env := newTestEnv(t, gw)

	// Second advisor sharing the same gateway, different model.
	advisorDir := t.TempDir()
	writeAdvisor(t, advisorDir, "sage", sageAdvisor)
	writeAdvisor(t, advisorDir, "scribe", `---
model: scribe-model
gateway: main
---
You summarize.
`)
	loader := advisor.NewLoader(advisorDir)
	if errs := loader.Reload(); len(errs) > 0 {
		t.Fatal(errs)
	}
	env.engine.advisors = loader

	result, err := env.engine.Submit(context.Background(), "sage", "summarize this", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.State != StateFinished {
		t.Errorf("state = %s", result.State)
	}
	if result.Advisor != "scribe" {
		t.Errorf("final advisor = %q", result.Advisor)
	}

	reqs := gw.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[1].Model != "scribe-model" {
		t.Errorf("second round model = %q", reqs[1].Model)
	}
	if !strings.Contains(reqs[1].Messages[0].Content, "You summarize.") {
		t.Errorf("second round system prompt = %q", reqs[1].Messages[0].Content)
	}

	// Transcript still belongs to the originating advisor.
	tr, _ := env.store.LoadCurrent("sage")
	if len(tr.Messages) != 4 {
		t.Errorf("messages = %d", len(tr.Messages))
	}
	if !strings.Contains(tr.Messages[2].Content, `handed to advisor "scribe"`) {
		t.Errorf("routing result = %q", tr.Messages[2].Content)
	}
}

func TestHandBackWithoutHandOffIsError(t *testing.T) {
	gw := &fakeGateway{script: []scripted{
		{
			events: append(toolCallEvents(0, "call_1", "hand_back", `{}`), doneToolCalls()),
			resp:   gateway.Response{FinishReason: gateway.FinishToolCalls},
		},
		{events: contentEvents("Staying put."), resp: gateway.Response{}},
	}}
	env := newTestEnv(t, gw)

	result, err := env.engine.Submit(context.Background(), "sage", "go back", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Advisor != "sage" {
		t.Errorf("advisor = %q", result.Advisor)
	}
	tr, _ := env.store.LoadCurrent("sage")
	if !strings.Contains(tr.Messages[2].Content, "no prior advisor") {
		t.Errorf("routing result = %q", tr.Messages[2].Content)
	}
}

func TestHistoryCarriesAcrossTurns(t *testing.T) {
	gw := &fakeGateway{script: []scripted{
		{events: contentEvents("First answer."), resp: gateway.Response{}},
		{events: contentEvents("Second answer."), resp: gateway.Response{}},
	}}
	env := newTestEnv(t, gw)

	if _, err := env.engine.Submit(context.Background(), "sage", "first question", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Submit(context.Background(), "sage", "second question", nil); err != nil {
		t.Fatal(err)
	}

	reqs := gw.requests()
	second := reqs[1].Messages
	var sawFirstQ, sawFirstA bool
	for _, m := range second {
		if m.Content == "first question" {
			sawFirstQ = true
		}
		if m.Content == "First answer." {
			sawFirstA = true
		}
	}
	if !sawFirstQ || !sawFirstA {
		t.Errorf("second request missing history: %+v", second)
	}
}
