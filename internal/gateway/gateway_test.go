package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"counsel/internal/config"
)

func collect(t *testing.T, c Client, req Request) ([]Event, *Response) {
	t.Helper()
	var events []Event
	resp, err := c.Stream(context.Background(), req, func(ev Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	return events, resp
}

func sseBody(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: ")
		b.WriteString(c)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestOpenAIStreamContentAndToolFragments(t *testing.T) {
	body := sseBody(
		`{"model":"gpt-test","choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Boston\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sk-test", nil)
	events, resp := collect(t, c, Request{Model: "gpt-test", Stream: true, Messages: []Message{{Role: "user", Content: "hi"}}})

	var content strings.Builder
	var frags []ToolCallDelta
	for _, ev := range events {
		switch ev.Kind {
		case KindContentDelta:
			content.WriteString(ev.Content)
		case KindToolCallDelta:
			frags = append(frags, ev.ToolCall)
		}
	}

	if content.String() != "Hello" {
		t.Errorf("content = %q, want %q", content.String(), "Hello")
	}
	if len(frags) != 3 {
		t.Fatalf("tool fragments = %d, want 3", len(frags))
	}
	if frags[0].ID != "call_1" || frags[0].Name != "get_weather" {
		t.Errorf("first fragment = %+v", frags[0])
	}
	var args strings.Builder
	for _, f := range frags {
		args.WriteString(f.Args)
	}
	if args.String() != `{"city":"Boston"}` {
		t.Errorf("assembled args = %q", args.String())
	}

	if last := events[len(events)-1]; last.Kind != KindDone || last.FinishReason != FinishToolCalls {
		t.Errorf("final event = %+v", last)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIFinishLengthNormalized(t *testing.T) {
	body := sseBody(
		`{"choices":[{"delta":{"content":"x"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"length"}]}`,
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", nil)
	_, resp := collect(t, c, Request{Model: "m", Stream: true})
	if resp.FinishReason != FinishMaxTokens {
		t.Errorf("finish = %q, want %q", resp.FinishReason, FinishMaxTokens)
	}
}

func TestOpenAIBufferedSynthesizesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"m","choices":[{"message":{"content":"hi","tool_calls":[{"id":"c1","function":{"name":"clock","arguments":"{}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":1,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", nil)
	events, resp := collect(t, c, Request{Model: "m"})

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Kind != KindContentDelta || events[0].Content != "hi" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != KindToolCallDelta || events[1].ToolCall.Name != "clock" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("finish = %q", resp.FinishReason)
	}
}

func TestOpenAIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", nil)
	_, err := c.Stream(context.Background(), Request{Model: "m"}, func(Event) {})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v, want 429 error", err)
	}
}

func TestAnthropicStreamToolIndexing(t *testing.T) {
	body := sseBody(
		`{"type":"message_start","message":{"model":"claude-test","usage":{"input_tokens":20,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":":\"Boston\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":15}}`,
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, "sk-ant", nil)
	events, resp := collect(t, c, Request{Model: "claude-test", Stream: true})

	var frags []ToolCallDelta
	for _, ev := range events {
		if ev.Kind == KindToolCallDelta {
			frags = append(frags, ev.ToolCall)
		}
	}
	if len(frags) != 3 {
		t.Fatalf("tool fragments = %d, want 3", len(frags))
	}
	// The tool_use content block sits at block index 1 but must map to
	// tool call index 0.
	for i, f := range frags {
		if f.Index != 0 {
			t.Errorf("fragment %d index = %d, want 0", i, f.Index)
		}
	}
	if frags[0].ID != "toolu_1" || frags[0].Name != "get_weather" {
		t.Errorf("start fragment = %+v", frags[0])
	}
	if frags[1].Args+frags[2].Args != `{"city":"Boston"}` {
		t.Errorf("args = %q", frags[1].Args+frags[2].Args)
	}

	if resp.FinishReason != FinishToolCalls {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.InputTokens != 20 || resp.OutputTokens != 15 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestAnthropicSystemPromptExtraction(t *testing.T) {
	msgs, system := convertToAnthropic([]Message{
		{Role: "system", Content: "You are terse."},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "", ToolCalls: []ToolCall{{ID: "t1", Name: "clock", Arguments: `{}`}}},
		{Role: "tool", ToolCallID: "t1", Content: "noon"},
	})
	if system != "You are terse." {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[2].Role != "user" {
		t.Errorf("tool result role = %q, want user", msgs[2].Role)
	}
}

func TestOllamaStreamWholeToolCalls(t *testing.T) {
	body := `{"model":"qwen-test","message":{"role":"assistant","content":"Let me check."},"done":false}
{"model":"qwen-test","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"get_weather","arguments":{"city":"Boston"}}}]},"done":false}
{"model":"qwen-test","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":30,"eval_count":12}
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	events, resp := collect(t, c, Request{Model: "qwen-test", Stream: true})

	var frags []ToolCallDelta
	for _, ev := range events {
		if ev.Kind == KindToolCallDelta {
			frags = append(frags, ev.ToolCall)
		}
	}
	if len(frags) != 1 {
		t.Fatalf("tool fragments = %d, want 1", len(frags))
	}
	if frags[0].Name != "get_weather" || frags[0].Args != `{"city":"Boston"}` {
		t.Errorf("fragment = %+v", frags[0])
	}
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.InputTokens != 30 || resp.OutputTokens != 12 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestFactory(t *testing.T) {
	for _, kind := range []string{"openai", "anthropic", "ollama"} {
		if _, err := New(config.GatewayConfig{Kind: kind}, nil); err != nil {
			t.Errorf("New(%q) error: %v", kind, err)
		}
	}
	if _, err := New(config.GatewayConfig{Kind: "bedrock"}, nil); err == nil {
		t.Error("New(bedrock) should fail")
	}
}
